package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type StreamOptions struct {
	URL               string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// Stream consumes run status updates pushed by the engine over a websocket
// and hands each one to the Reporter.
type Stream struct {
	opts     StreamOptions
	reporter Reporter
}

func NewStream(opts StreamOptions, reporter Reporter) *Stream {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Stream{opts: opts, reporter: reporter}
}

// Run reconnects until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	if s == nil || s.reporter == nil {
		return fmt.Errorf("engine stream is not configured")
	}
	if strings.TrimSpace(s.opts.URL) == "" {
		return fmt.Errorf("engine stream url is empty")
	}
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
		if err != nil {
			s.opts.Logger.Warn("engine stream connect failed", zap.Error(err))
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(4 << 20)
		s.opts.Logger.Info("engine stream connected", zap.String("url", s.opts.URL))
		backoff = s.opts.BackoffMin

		err = s.consume(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, s.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("engine stream read failed", zap.Error(err))
			}
			return err
		}
		if isPingPayload(raw) {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
			continue
		}
		update, ok := decodeUpdate(raw)
		if !ok {
			s.opts.Logger.Debug("engine stream message ignored", zap.ByteString("payload", truncate(raw, 256)))
			continue
		}
		if err := s.reporter.Apply(ctx, update); err != nil {
			s.opts.Logger.Warn("engine stream update rejected",
				zap.String("run_id", update.RunID),
				zap.String("status", update.Status),
				zap.Error(err),
			)
		}
	}
}

func decodeUpdate(raw []byte) (StatusUpdate, bool) {
	var update StatusUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return StatusUpdate{}, false
	}
	update.RunID = strings.TrimSpace(update.RunID)
	update.Status = strings.ToLower(strings.TrimSpace(update.Status))
	if update.RunID == "" || update.Status == "" {
		return StatusUpdate{}, false
	}
	return update, true
}

func isPingPayload(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(string(raw)), "ping") {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err == nil {
		return strings.EqualFold(msg.Type, "ping")
	}
	return false
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
