package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	"github.com/alexjbarnes/ingest-client/internal/config"
	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/alexjbarnes/ingest-client/internal/metrics"
)

// ConfigSource hands out the live configuration. It is read again on
// every start so a token saved by the webserver is picked up.
type ConfigSource interface {
	Current() config.Config
}

// Options configures a Supervisor.
type Options struct {
	Config  ConfigSource
	Router  *channel.Router
	Backoff Backoff
	Dial    channel.DialFunc
	Logger  *slog.Logger

	// OnJoined runs each time a session joins its control topic.
	OnJoined func(q *channel.Queue)
}

// Supervisor starts sessions and owns the connectivity flag.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	flag   Flag

	mu      sync.Mutex
	session *channel.Session

	trigger chan struct{}
}

// New creates a supervisor. Nothing connects until Start or Run.
func New(opts Options) *Supervisor {
	if opts.Router == nil {
		opts.Router = channel.NewRouter()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		opts:    opts,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Handle tracks one started session.
type Handle struct {
	session *channel.Session
	done    chan struct{}
	joined  atomic.Bool
	err     error
}

// Done is closed when the session has ended and the flag is back to
// Disconnected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the session's terminal result. Valid after Done.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Joined reports whether the session reached the joined state.
func (h *Handle) Joined() bool {
	return h.joined.Load()
}

// Session returns the session this handle tracks.
func (h *Handle) Session() *channel.Session {
	return h.session
}

// Start spawns one session. It fails fast, without touching the flag, if
// the token or hardware id is missing. The returned handle always leaves
// the flag Disconnected when it completes. Overlapping Start calls are not
// serialized; Run and Reconnect never overlap them.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	cfg := s.opts.Config.Current()

	if !cfg.HasToken(time.Now()) {
		return nil, ingesterrors.ErrMissingToken
	}

	if cfg.HardwareID == "" {
		return nil, ingesterrors.ErrMissingIdentity
	}

	s.flag.Set(Connecting, time.Now())

	h := &Handle{done: make(chan struct{})}

	sess := channel.NewSession(channel.SessionConfig{
		Server:            cfg.IngestServer,
		Token:             cfg.Token,
		HardwareID:        cfg.HardwareID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.MissedHeartbeats,
		JoinTimeout:       cfg.JoinTimeout,
		Router:            s.opts.Router,
		Dial:              s.opts.Dial,
		Logger:            s.logger,
		OnConnected: func() {
			s.flag.Set(Connected, time.Now())
			metrics.SetConnected(true)
		},
		OnJoined: func(q *channel.Queue) {
			h.joined.Store(true)

			if s.opts.OnJoined != nil {
				s.opts.OnJoined(q)
			}
		},
	})
	h.session = sess

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		defer func() {
			s.mu.Lock()
			if s.session == sess {
				s.session = nil
			}
			s.mu.Unlock()

			s.flag.Set(Disconnected, time.Now())
			metrics.SetConnected(false)
		}()

		h.err = sess.Run(ctx)
	}()

	return h, nil
}

// Run keeps a session alive until ctx is cancelled. Failed sessions are
// retried with backoff; the attempt counter resets once a session joins.
// When configuration is missing or retries run out the loop waits for
// Reconnect.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	schedule := s.opts.Backoff.Schedule()

	for {
		metrics.ReconnectAttempts.Inc()

		h, err := s.Start(ctx)
		if err != nil {
			s.logger.Warn("cannot start session, waiting for reconnect request", slog.String("error", err.Error()))

			if !s.park(ctx) {
				return nil
			}

			attempt = 0
			schedule.Reset()

			continue
		}

		<-h.Done()

		if ctx.Err() != nil {
			return nil
		}

		if h.Joined() {
			attempt = 0
			schedule.Reset()
		}

		if err := h.Err(); err != nil {
			s.logger.Warn("session ended", slog.String("error", err.Error()), slog.Int("attempt", attempt))
		} else {
			s.logger.Info("session closed by server")
		}

		if s.opts.Backoff.Exhausted(attempt) {
			s.logger.Warn("reconnect attempts exhausted, waiting for reconnect request",
				slog.Int("attempts", attempt),
			)

			if !s.park(ctx) {
				return nil
			}

			attempt = 0
			schedule.Reset()

			continue
		}

		delay := schedule.NextBackOff()
		attempt++

		s.logger.Info("reconnecting", slog.Duration("backoff", delay), slog.Int("attempt", attempt))

		if !s.wait(ctx, delay) {
			return nil
		}
	}
}

// park blocks until Reconnect is called. Returns false if ctx ends first.
func (s *Supervisor) park(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.trigger:
		return true
	}
}

// wait sleeps for d, cut short by Reconnect. Returns false if ctx ends.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.trigger:
		return true
	case <-timer.C:
		return true
	}
}

// Reconnect asks Run to start a session now. It does nothing while a
// session is connecting or connected and reports whether it signalled.
func (s *Supervisor) Reconnect() bool {
	if s.flag.Snapshot().Status != Disconnected {
		return false
	}

	select {
	case s.trigger <- struct{}{}:
	default:
	}

	return true
}

// Connected reports whether a transport is up.
func (s *Supervisor) Connected() bool {
	return s.flag.Connected()
}

// Status returns a snapshot of the connectivity flag.
func (s *Supervisor) Status() Snapshot {
	return s.flag.Snapshot()
}

// Session returns the live session, if any.
func (s *Supervisor) Session() *channel.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}

// Enqueue puts env on the live session's queue. Fails with
// ErrChannelClosed unless a session has joined its control topic.
func (s *Supervisor) Enqueue(env channel.Envelope) error {
	sess := s.Session()
	if sess == nil || sess.State() != channel.StateJoined {
		return fmt.Errorf("%w: no joined session", ingesterrors.ErrChannelClosed)
	}

	return sess.Queue().Enqueue(env)
}
