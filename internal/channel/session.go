package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/alexjbarnes/ingest-client/internal/metrics"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=session.go -destination=mock_conn_test.go -package=channel

const (
	// DefaultHeartbeatInterval is the period between heartbeats once the
	// control topic is joined.
	DefaultHeartbeatInterval = 500 * time.Millisecond

	// readLimit caps a single inbound frame. Envelopes are small control
	// messages; part data never travels over the socket.
	readLimit = 1 << 20

	// writeTimeout bounds one frame write. A write that times out is
	// requeued and retried one heartbeat interval later.
	writeTimeout = 10 * time.Second

	// inboundChanSize is the buffer between the reader goroutine and the
	// control loop.
	inboundChanSize = 64
)

// State is a session's lifecycle position.
type State int

const (
	StateHandshaking State = iota
	StateJoining
	StateJoined
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn abstracts the websocket so Session can be tested without a real
// server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial opens a real websocket connection.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// SocketURL builds the websocket endpoint for server (host:port).
func SocketURL(server, token string) string {
	return "ws://" + server + "/client/websocket?vsn=" + ProtocolVersion + "&token=" + url.QueryEscape(token)
}

// VerifyToken dials the server with token and immediately closes the
// connection. A successful handshake means the server accepted the token.
func VerifyToken(ctx context.Context, dial DialFunc, server, token string) error {
	if dial == nil {
		dial = Dial
	}

	conn, err := dial(ctx, SocketURL(server, token))
	if err != nil {
		return fmt.Errorf("%w: verifying token: %w", ingesterrors.ErrTransportFailure, err)
	}

	conn.Close(websocket.StatusNormalClosure, "verified")

	return nil
}

// SessionConfig configures one Session.
type SessionConfig struct {
	Server     string
	Token      string
	HardwareID string

	// HeartbeatInterval defaults to 500ms.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals may pass without a heartbeat
	// reply before the session fails. Zero disables the check.
	MissedHeartbeats int
	// JoinTimeout bounds the wait for the control join reply. Zero waits
	// forever.
	JoinTimeout time.Duration

	Router *Router
	Dial   DialFunc
	Logger *slog.Logger

	// OnConnected runs once the transport handshake succeeds.
	OnConnected func()
	// OnJoined runs on the control goroutine once the control topic is
	// joined. It must not block.
	OnJoined func(q *Queue)
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
}

// Session is one transport lifetime. The writer goroutine is the only
// code that writes to the connection; the reader goroutine only reads.
// Everything else produces into the Queue.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	queue  *Queue
	conn   Conn

	stateMu sync.RWMutex
	state   State

	// Owned by the control goroutine.
	nextJoinRef    Ref
	controlJoinRef Ref
	heartbeatRef   Ref
	lastReply      time.Time
}

// NewSession builds a session. Run starts it.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.Dial == nil {
		cfg.Dial = Dial
	}

	if cfg.Router == nil {
		cfg.Router = NewRouter()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:    cfg,
		logger: logger.With(slog.String("hardware_id", cfg.HardwareID)),
		queue:  NewQueue(),
		state:  StateHandshaking,
	}
}

// Queue returns the session's outbound queue.
func (s *Session) Queue() *Queue {
	return s.queue
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()

	if prev != st {
		s.logger.Debug("session state", slog.String("from", prev.String()), slog.String("to", st.String()))
	}
}

// Run dials, joins the control topic and services the connection until
// the transport closes, a fatal protocol error occurs, or ctx is
// cancelled. A clean close frame from the server returns nil. The queue
// is closed before Run returns, so late producers get ErrChannelClosed.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		dropped := s.queue.Close()
		if dropped > 0 {
			s.logger.Info("dropping unsent envelopes", slog.Int("count", dropped))
		}

		metrics.QueueDepth.Set(0)

		if err != nil && ctx.Err() == nil {
			s.setState(StateFailed)
		} else {
			s.setState(StateClosed)
		}

		metrics.RecordSessionEnd(err)
	}()

	s.setState(StateHandshaking)

	conn, err := s.cfg.Dial(ctx, SocketURL(s.cfg.Server, s.cfg.Token))
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", ingesterrors.ErrTransportFailure, s.cfg.Server, err)
	}

	s.conn = conn
	s.conn.SetReadLimit(readLimit)

	// The control join goes into the queue before anything else can, and
	// before the reader starts, so the server sees it first.
	s.controlJoinRef = s.nextJoinRef
	s.nextJoinRef++

	if err := s.queue.Enqueue(Envelope{
		JoinRef: RefPtr(s.controlJoinRef),
		MsgRef:  0,
		Topic:   ClientTopic(s.cfg.HardwareID),
		Event:   EventJoin,
		Payload: JoinPayload{},
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "queue closed")
		return err
	}

	s.setState(StateJoining)

	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected()
	}

	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan inboundMsg, inboundChanSize)

	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx, inbound) })
	g.Go(func() error { return s.controlLoop(gctx, inbound) })

	err = g.Wait()

	s.setState(StateClosing)

	switch {
	case errors.Is(err, errCloseFrame):
		conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("server closed session")

		return nil
	case errors.Is(err, ingesterrors.ErrHeartbeatTimeout):
		conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
	case err == nil || ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "bye")

		return ctx.Err()
	default:
		conn.Close(websocket.StatusInternalError, "session failed")
	}

	s.logger.Warn("session ended", slog.String("error", err.Error()))

	return err
}

var errCloseFrame = errors.New("close frame received")

// readLoop feeds inbound frames to the control loop. It never writes.
func (s *Session) readLoop(ctx context.Context, ch chan<- inboundMsg) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if websocket.CloseStatus(err) != -1 {
				return errCloseFrame
			}

			return fmt.Errorf("%w: reading frame: %w", ingesterrors.ErrTransportFailure, err)
		}

		select {
		case ch <- inboundMsg{typ: typ, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeLoop is the queue's single consumer. If a drain leaves envelopes
// behind it retries after one heartbeat interval, so a requeued envelope
// goes out even when nothing else is enqueued.
func (s *Session) writeLoop(ctx context.Context) error {
	retry := time.NewTimer(s.cfg.HeartbeatInterval)
	retry.Stop()

	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.Ready():
		case <-retry.C:
		}

		if err := s.flush(ctx); err != nil {
			return err
		}

		if s.queue.Len() > 0 {
			retry.Reset(s.cfg.HeartbeatInterval)
		}
	}
}

// flush drains the queue. A failed write leaves the envelope at the front
// and ends this drain; only a broken transport is returned as an error.
func (s *Session) flush(ctx context.Context) error {
	_, err := s.queue.Drain(func(env Envelope) error {
		data, err := Encode(env)
		if err != nil {
			// Retrying cannot fix an encoding error.
			s.logger.Error("dropping unencodable envelope", slog.String("error", err.Error()))
			return nil
		}

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
			return err
		}

		metrics.FramesSent.WithLabelValues(string(env.Event)).Inc()

		return nil
	})

	metrics.QueueDepth.Set(float64(s.queue.Len()))

	if err == nil {
		return nil
	}

	metrics.WriteFailures.Inc()

	if ctx.Err() != nil {
		return nil
	}

	if brokenTransport(err) {
		return fmt.Errorf("%w: writing frame: %w", ingesterrors.ErrTransportFailure, err)
	}

	s.logger.Warn("write failed, envelope requeued",
		slog.Int("queued", s.queue.Len()),
		slog.String("error", err.Error()),
	)

	return nil
}

func brokenTransport(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		websocket.CloseStatus(err) != -1
}

// controlLoop handles inbound frames, the join deadline and heartbeats.
func (s *Session) controlLoop(ctx context.Context, inbound <-chan inboundMsg) error {
	var joinDeadline <-chan time.Time

	if s.cfg.JoinTimeout > 0 {
		timer := time.NewTimer(s.cfg.JoinTimeout)
		defer timer.Stop()

		joinDeadline = timer.C
	}

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-inbound:
			joined, err := s.handleFrame(ctx, msg)
			if err != nil {
				return err
			}

			if joined {
				joinDeadline = nil
				s.lastReply = time.Now()
				ticker = time.NewTicker(s.cfg.HeartbeatInterval)
				tick = ticker.C

				s.setState(StateJoined)
				s.logger.Info("control topic joined")

				if s.cfg.OnJoined != nil {
					s.cfg.OnJoined(s.queue)
				}
			}

		case <-joinDeadline:
			return fmt.Errorf("%w: after %s", ingesterrors.ErrJoinTimeout, s.cfg.JoinTimeout)

		case <-tick:
			if s.cfg.MissedHeartbeats > 0 {
				window := time.Duration(s.cfg.MissedHeartbeats) * s.cfg.HeartbeatInterval
				if elapsed := time.Since(s.lastReply); elapsed > window {
					s.logger.Warn("heartbeat replies stopped", slog.Duration("since_last_reply", elapsed))
					return fmt.Errorf("%w: none for %s", ingesterrors.ErrHeartbeatTimeout, elapsed)
				}
			}

			if err := s.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) sendHeartbeat() error {
	s.heartbeatRef++

	err := s.queue.Enqueue(Envelope{
		MsgRef:  s.heartbeatRef,
		Topic:   HeartbeatTopic,
		Event:   EventHeartbeat,
		Payload: EmptyPayload{},
	})
	if err != nil {
		return err
	}

	metrics.HeartbeatsSent.Inc()

	return nil
}

// handleFrame decodes and routes one inbound frame. It reports whether
// the frame was the successful reply to the control join. Malformed and
// unroutable frames are logged and dropped.
func (s *Session) handleFrame(ctx context.Context, msg inboundMsg) (bool, error) {
	if msg.typ == websocket.MessageBinary {
		metrics.FramesDropped.WithLabelValues("binary").Inc()
		s.logger.Debug("dropping binary frame", slog.Int("bytes", len(msg.data)))

		return false, nil
	}

	env, err := Decode(msg.data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed frame",
			slog.Int("bytes", len(msg.data)),
			slog.String("error", err.Error()),
		)

		return false, nil
	}

	metrics.FramesReceived.WithLabelValues(string(env.Event)).Inc()

	controlTopic := ClientTopic(s.cfg.HardwareID)

	switch {
	case env.Topic == HeartbeatTopic:
		if env.Event == EventReply {
			s.lastReply = time.Now()
		}

		return false, nil

	case env.Topic == controlTopic && s.isJoinReply(env):
		reply, _ := env.Payload.(ReplyPayload)
		if !reply.OK() {
			return false, fmt.Errorf("%w: %s: %s", ingesterrors.ErrJoinRejected, reply.Status, string(reply.Response))
		}

		return true, nil
	}

	h, ok := s.cfg.Router.Lookup(env.Topic)
	if !ok {
		if env.Topic == controlTopic && env.Event == EventReply {
			reply, _ := env.Payload.(ReplyPayload)
			s.logger.Debug("control reply", slog.Uint64("msg_ref", uint64(env.MsgRef)), slog.String("status", reply.Status))

			return false, nil
		}

		metrics.FramesDropped.WithLabelValues("unrouted").Inc()
		s.logger.Debug("dropping envelope for unknown topic",
			slog.String("topic", env.Topic),
			slog.String("event", string(env.Event)),
		)

		return false, nil
	}

	if err := h.HandleInbound(ctx, env); err != nil {
		s.logger.Warn("handler failed",
			slog.String("topic", env.Topic),
			slog.String("event", string(env.Event)),
			slog.String("error", err.Error()),
		)
	}

	return false, nil
}

func (s *Session) isJoinReply(env Envelope) bool {
	if env.Event != EventReply || s.State() != StateJoining || env.MsgRef != 0 {
		return false
	}

	return env.JoinRef == nil || *env.JoinRef == s.controlJoinRef
}
