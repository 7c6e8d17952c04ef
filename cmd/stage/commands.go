package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	router "github.com/dkeye/Stage/internal/adapters/http"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var flagJoin bool

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the client and serve the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Print the configured device catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		audio, video := domain.PartitionDevices(cfg.Devices)
		out := cmd.OutOrStdout()
		for _, sec := range []struct {
			title string
			list  []domain.Device
		}{{"Microphones", audio}, {"Cameras", video}} {
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s (%d)", sec.title, len(sec.list))))
			if len(sec.list) == 0 {
				fmt.Fprintln(out, dimStyle.Render("  none configured"))
				continue
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, d := range sec.list {
				fmt.Fprintf(w, "  %s\t%s\n", d.DeviceID, d.Label)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagJoin, "join", false, "join the stage right after start")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel == "" {
		applyLevel(cfg.LogLevel)
	}
	if cfg.Username == "" {
		cfg.Username = domain.RandomUsername()
	}

	settings, err := config.OpenSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	o, err := orch.NewFromConfig(cfg, settings, m)
	if err != nil {
		return err
	}
	defer o.Close()
	if err := o.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("started with device errors")
	}
	if flagJoin {
		if err := o.Join(ctx); err != nil {
			log.Error().Err(err).Msg("join failed")
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router.SetupRouter(ctx, cfg, o, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("username", cfg.Username).Msg("stage client listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
	return nil
}
