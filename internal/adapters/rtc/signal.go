package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("signal send buffer full")
	ErrSignalClosed = errors.New("signal connection closed")
)

const writeWait = 5 * time.Second

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ core.SignalConnection = (*wsSignalConn)(nil)

func newWsSignalConn(conn *websocket.Conn) *wsSignalConn {
	return &wsSignalConn{
		conn: conn,
		send: make(chan core.Frame, 32),
		done: make(chan struct{}),
	}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSignalClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
}

func (c *wsSignalConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return c.TrySend(b)
}

// dialSignal opens the signalling websocket.
func dialSignal(ctx context.Context, url string, header http.Header) (*wsSignalConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWsSignalConn(ws), nil
}

func (c *wsSignalConn) writePump(ctx context.Context, pingPeriod time.Duration) {
	var ping <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.drainClose()
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				c.Close()
				return
			}
		}
	}
}

// drainClose flushes frames queued before shutdown, then closes the socket.
func (c *wsSignalConn) drainClose() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.Close()
			return
		}
	}
}

// readPump hands every text frame to handle until the socket fails. onClose
// runs once the pump exits.
func (c *wsSignalConn) readPump(readLimit int64, pingPeriod time.Duration, handle func([]byte), onClose func(error)) {
	var readErr error
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		c.Close()
		if onClose != nil {
			onClose(readErr)
		}
	}()

	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	if pingPeriod > 0 {
		pongWait := pingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		handle(data)
	}
}
