package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

var errMissingSocketTarget = errors.New("socket url is required")
var errMissingChannel = errors.New("channel is required")

// SocketConfig configures the push transport.
type SocketConfig struct {
	URL            string
	SessionToken   string
	Channel        *Channel
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Socket maintains the long-lived websocket subscription to the backend push
// endpoint and forwards decoded events into the Channel. On transport drop it
// reconnects with backoff and resumes future events only; the gap is healed
// by the next history fetch's exclusion-aware paging, not by replay.
type Socket struct {
	url            string
	sessionToken   string
	channel        *Channel
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger
}

// NewSocket constructs a Socket with sane defaults.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	if cfg.URL == "" {
		return nil, errMissingSocketTarget
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		url:            cfg.URL,
		sessionToken:   cfg.SessionToken,
		channel:        cfg.Channel,
		dialer:         dialer,
		reconnectDelay: delay,
		logger:         logger,
	}, nil
}

// Run dials the push endpoint and pumps events until the context is
// cancelled. Blocking; callers run it on its own goroutine.
func (s *Socket) Run(ctx context.Context) error {
	delay := s.reconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.pump(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("push connection dropped", zap.Error(err), zap.Duration("retry_in", delay))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *Socket) pump(ctx context.Context) error {
	header := http.Header{}
	if s.sessionToken != "" {
		header.Set("Authorization", "Bearer "+s.sessionToken)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.logger.Info("push connection established", zap.String("url", s.url))

	// Close the connection when the context ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		event := Event{}
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		s.channel.Deliver(event)
	}
}
