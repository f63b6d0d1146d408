// Package agent captures the screen on a fixed interval and streams each
// capture to the collector over WebSocket, reconnecting with backoff.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/protocol"
)

const (
	maxFailures  = 5
	maxBackoff   = 60 * time.Second
	rejectedWait = 5 * time.Second
	authWait     = 10 * time.Second
	writeWait    = 10 * time.Second

	// Captures whose encoded size moves less than this are treated as an
	// unchanged screen.
	idleSizeDelta = 100
)

// ErrRejected is returned when the collector refuses the credentials.
var ErrRejected = errors.New("agent: authentication rejected")

// Capturer grabs one encoded screen image.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

type CapturerFunc func(ctx context.Context) ([]byte, error)

func (f CapturerFunc) Capture(ctx context.Context) ([]byte, error) { return f(ctx) }

type Config struct {
	URL      string
	APIKey   string
	StaffID  string
	Name     string
	Division string
	Interval time.Duration
}

type Streamer struct {
	cfg     Config
	capture Capturer
	log     zerolog.Logger
	dialer  *websocket.Dialer
	now     func() time.Time
	wait    func(ctx context.Context, d time.Duration) error

	prevSize int
	havePrev bool
}

func New(cfg Config, capture Capturer, log zerolog.Logger) *Streamer {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Streamer{
		cfg:     cfg,
		capture: capture,
		log:     log.With().Str("staff_id", cfg.StaffID).Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		now:  time.Now,
		wait: sleep,
	}
}

// Run streams until ctx is cancelled. Connection failures back off
// exponentially; a rejected handshake is retried after a fixed pause.
func (s *Streamer) Run(ctx context.Context) error {
	failures := 0
	for {
		connected, err := s.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}

		var d time.Duration
		switch {
		case errors.Is(err, ErrRejected):
			s.log.Error().Err(err).Dur("retry_in", rejectedWait).Msg("collector refused credentials")
			d = rejectedWait
		default:
			failures++
			if failures >= maxFailures {
				s.log.Error().Err(err).Int("attempts", failures).Msg("collector unreachable, pausing")
				failures = 0
				d = maxBackoff
			} else {
				d = Backoff(failures)
				s.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", d).Msg("connection lost")
			}
		}
		if err := s.wait(ctx, d); err != nil {
			return nil
		}
	}
}

// stream runs one connection. connected reports whether the dial succeeded.
func (s *Streamer) stream(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if err := s.authenticate(conn); err != nil {
		return true, err
	}
	s.log.Info().Str("url", s.cfg.URL).Msg("streaming to collector")

	// The collector never sends after auth; reading only surfaces its close.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, fmt.Errorf("connection closed: %w", err)
		case <-timer.C:
		}

		if err := s.sendCapture(ctx, conn); err != nil {
			return true, err
		}
		timer.Reset(s.cfg.Interval)
	}
}

func (s *Streamer) authenticate(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]string{
		"type":     protocol.TypeAuth,
		"api_key":  s.cfg.APIKey,
		"staff_id": s.cfg.StaffID,
		"name":     s.cfg.Name,
		"division": s.cfg.Division,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	var resp protocol.AuthResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if resp.Status != protocol.StatusAuthenticated {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return nil
}

func (s *Streamer) sendCapture(ctx context.Context, conn *websocket.Conn) error {
	img, err := s.capture.Capture(ctx)
	if err != nil {
		// A failed grab skips one tick; the connection is fine.
		s.log.Warn().Err(err).Msg("capture failed")
		return nil
	}

	status := ActivityStatus(s.prevSize, len(img), s.havePrev)
	s.prevSize, s.havePrev = len(img), true

	ts := Timestamp(s.now())
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]any{
		"type":            protocol.TypeMetadata,
		"staff_id":        s.cfg.StaffID,
		"name":            s.cfg.Name,
		"division":        s.cfg.Division,
		"timestamp":       ts,
		"size":            len(img),
		"activity_status": status,
	}); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, img); err != nil {
		return fmt.Errorf("send capture: %w", err)
	}
	s.log.Debug().Str("timestamp", ts).Int("size", len(img)).Str("status", status).Msg("capture sent")
	return nil
}

// Timestamp formats t as YYYYMMDD_HHMMSS_ffff, ffff being the leading four
// digits of the microseconds.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s_%04d", t.Format("20060102_150405"), t.Nanosecond()/100_000)
}

// Backoff is the delay before reconnect attempt n (n >= 1): 2^n seconds,
// capped at one minute.
func Backoff(attempt int) time.Duration {
	if attempt >= 6 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ActivityStatus reports "idle" when a capture's size barely differs from the
// previous one.
func ActivityStatus(prevSize, size int, havePrev bool) string {
	if !havePrev {
		return "active"
	}
	delta := size - prevSize
	if delta < 0 {
		delta = -delta
	}
	if delta < idleSizeDelta {
		return "idle"
	}
	return "active"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
