package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/spf13/viper"
)

type Config struct {
	Mode          string               `mapstructure:"mode"`
	LogLevel      string               `mapstructure:"log_level"`
	SignalURL     string               `mapstructure:"signal_url"`
	Token         string               `mapstructure:"token"`
	Username      string               `mapstructure:"username"`
	ICEServers    []string             `mapstructure:"ice_servers"`
	SettingsPath  string               `mapstructure:"settings_path"`
	SubscribeType domain.SubscribeType `mapstructure:"subscribe_type"`
	PingPeriod    time.Duration        `mapstructure:"ping_period"`
	ReadLimit     int64                `mapstructure:"read_limit"`
	// SessionWarning is how long before token expiry a warning is shown.
	SessionWarning time.Duration `mapstructure:"session_warning"`
	// NoticeTTL is how long transient notices stay up.
	NoticeTTL time.Duration `mapstructure:"notice_ttl"`
	// StatsInterval paces round trip and countdown updates on the feed.
	StatsInterval time.Duration `mapstructure:"stats_interval"`

	HTTP          HTTPConfig          `mapstructure:"http"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Normalization NormalizationConfig `mapstructure:"normalization"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	VoiceFocus    VoiceFocusConfig    `mapstructure:"voice_focus"`
	VAD           VADConfig           `mapstructure:"vad"`
	Devices       []domain.Device     `mapstructure:"devices"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit caps control requests per client within RateInterval.
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	// Quantum is the render block size in samples.
	Quantum int `mapstructure:"quantum"`
}

type NormalizationConfig struct {
	TargetLoudness    float64       `mapstructure:"target_loudness"`
	Headroom          float64       `mapstructure:"headroom"`
	MinGain           float64       `mapstructure:"min_gain"`
	MaxGain           float64       `mapstructure:"max_gain"`
	Smoothing         float64       `mapstructure:"smoothing"`
	UpdateInterval    time.Duration `mapstructure:"update_interval"`
	CalibrationPeriod time.Duration `mapstructure:"calibration_period"`
	MakeupGain        float64       `mapstructure:"makeup_gain"`
}

type MonitoringConfig struct {
	Gain     float64       `mapstructure:"gain"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type VoiceFocusConfig struct {
	Name    string `mapstructure:"name"`
	Variant string `mapstructure:"variant"`
}

type VADConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
	// Smoothing is the weight of the previous energy in the running average.
	Smoothing  float64       `mapstructure:"smoothing"`
	Window     time.Duration `mapstructure:"window"`
	MinSpeech  time.Duration `mapstructure:"min_speech"`
	MinSilence time.Duration `mapstructure:"min_silence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/stage")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("settings_path", "./stage-settings.yaml")
	v.SetDefault("subscribe_type", string(domain.SubscribeAudioVideo))
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("session_warning", "1m")
	v.SetDefault("notice_ttl", "4s")
	v.SetDefault("stats_interval", "1s")

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.rate_limit", 20)
	v.SetDefault("http.rate_interval", "1s")

	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.quantum", 480)

	v.SetDefault("normalization.target_loudness", -18.0)
	v.SetDefault("normalization.headroom", 3.0)
	v.SetDefault("normalization.min_gain", 0.5)
	v.SetDefault("normalization.max_gain", 6.0)
	v.SetDefault("normalization.smoothing", 0.85)
	v.SetDefault("normalization.update_interval", "100ms")
	v.SetDefault("normalization.calibration_period", "2s")
	v.SetDefault("normalization.makeup_gain", 1.5)

	v.SetDefault("monitoring.gain", 0.5)
	v.SetDefault("monitoring.delay", "10ms")
	v.SetDefault("monitoring.max_delay", "100ms")

	v.SetDefault("voice_focus.name", "default")
	v.SetDefault("voice_focus.variant", "c20")

	v.SetDefault("vad.enabled", true)
	v.SetDefault("vad.threshold", 0.01)
	v.SetDefault("vad.smoothing", 0.8)
	v.SetDefault("vad.window", "30ms")
	v.SetDefault("vad.min_speech", "250ms")
	v.SetDefault("vad.min_silence", "400ms")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("STAGE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Signal: %s | HTTP: %s\n", cfg.Mode, cfg.SignalURL, cfg.HTTP.Addr)
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the audio pipeline cannot work with.
func (c *Config) Validate() error {
	n := c.Normalization
	if n.MinGain <= 0 || n.MaxGain < n.MinGain {
		return fmt.Errorf("invalid normalization gain range [%v, %v]", n.MinGain, n.MaxGain)
	}
	if n.Smoothing < 0 || n.Smoothing >= 1 {
		return fmt.Errorf("normalization smoothing must be in [0, 1), got %v", n.Smoothing)
	}
	if n.UpdateInterval <= 0 {
		return fmt.Errorf("normalization update interval must be positive")
	}
	if c.Monitoring.Delay > c.Monitoring.MaxDelay {
		return fmt.Errorf("monitoring delay %s exceeds max %s", c.Monitoring.Delay, c.Monitoring.MaxDelay)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Quantum <= 0 {
		return fmt.Errorf("invalid audio format %d Hz / %d samples", c.Audio.SampleRate, c.Audio.Quantum)
	}
	switch c.SubscribeType {
	case domain.SubscribeNone, domain.SubscribeAudioOnly, domain.SubscribeAudioVideo:
	default:
		return fmt.Errorf("unknown subscribe type %q", c.SubscribeType)
	}
	return nil
}
