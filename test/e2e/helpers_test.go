package e2e_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	"github.com/alexjbarnes/ingest-client/internal/config"
	"github.com/alexjbarnes/ingest-client/internal/state"
	"github.com/alexjbarnes/ingest-client/internal/supervisor"
	"github.com/alexjbarnes/ingest-client/internal/upload"
	"github.com/alexjbarnes/ingest-client/internal/webserver"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "e2e-token"
	testHW    = "e2e-hw"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ingestServer is a minimal Phoenix channels endpoint. It checks the
// token, acknowledges joins, heartbeats and complete requests, and records
// every frame the client sends.
type ingestServer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	frames  []channel.Envelope
	current *websocket.Conn
	dials   int
}

func newIngestServer(t *testing.T) *ingestServer {
	t.Helper()

	s := &ingestServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)

	return s
}

// Addr is the host:port the client is configured with.
func (s *ingestServer) Addr() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *ingestServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/client/websocket" || r.URL.Query().Get("vsn") != channel.ProtocolVersion {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("token") != testToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.current = conn
	s.dials++
	s.mu.Unlock()

	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		env, err := channel.Decode(data)
		if err != nil {
			s.t.Errorf("client sent malformed frame %s: %v", data, err)
			return
		}

		s.mu.Lock()
		s.frames = append(s.frames, env)
		s.mu.Unlock()

		switch env.Event {
		case channel.EventJoin, channel.EventHeartbeat, channel.EventComplete:
			_ = conn.Write(ctx, websocket.MessageText, okReply(env))
		}
	}
}

func okReply(env channel.Envelope) []byte {
	joinRef := "null"
	if env.JoinRef != nil {
		joinRef = fmt.Sprintf(`"%d"`, *env.JoinRef)
	}

	return []byte(fmt.Sprintf(`[%s,"%d","%s","phx_reply",{"status":"ok","response":{}}]`, joinRef, env.MsgRef, env.Topic))
}

// push sends a server event on the live connection.
func (s *ingestServer) push(t *testing.T, topic string, event channel.Event, payload string) {
	t.Helper()

	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()

	require.NotNil(t, conn, "no client connected")

	frame := fmt.Sprintf(`[null,"0","%s","%s",%s]`, topic, event, payload)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

// drop closes the live connection without a close frame.
func (s *ingestServer) drop() {
	s.mu.Lock()
	conn := s.current
	s.current = nil
	s.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
}

// received returns the frames with the given topic and event.
func (s *ingestServer) received(topic string, event channel.Event) []channel.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []channel.Envelope

	for _, env := range s.frames {
		if env.Topic == topic && env.Event == event {
			out = append(out, env)
		}
	}

	return out
}

func (s *ingestServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

// recordingTransferer accepts every part.
type recordingTransferer struct {
	mu    sync.Mutex
	parts []int
}

func (r *recordingTransferer) TransferPart(_ context.Context, p upload.PartTransfer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parts = append(r.parts, p.Part)

	return fmt.Sprintf("etag-%d", p.Part), nil
}

func (r *recordingTransferer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.parts)
}

// client is the full client stack wired the way main wires it.
type client struct {
	Config     *config.Store
	State      *state.State
	Manager    *upload.Manager
	Supervisor *supervisor.Supervisor
	Web        *httptest.Server
	Transfer   *recordingTransferer
}

func newClient(t *testing.T, server *ingestServer, token string) *client {
	t.Helper()

	dir := t.TempDir()

	cfg := &config.Config{
		ConfigFile:        filepath.Join(dir, "config.yml"),
		HardwareID:        testHW,
		IngestServer:      server.Addr(),
		Token:             token,
		HeartbeatInterval: 100 * time.Millisecond,
		MissedHeartbeats:  10,
		JoinTimeout:       5 * time.Second,
	}

	st, err := state.Load(filepath.Join(dir, "state"))
	require.NoError(t, err)

	store := config.NewStore(cfg)
	router := channel.NewRouter()
	xfer := &recordingTransferer{}

	manager := upload.NewManager(st, router, upload.ManagerOptions{
		HardwareID: testHW,
		Transferer: xfer,
		Logger:     quietLogger,
	})

	sup := supervisor.New(supervisor.Options{
		Config:   store,
		Router:   router,
		Backoff:  supervisor.Backoff{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2},
		Logger:   quietLogger,
		OnJoined: manager.OnSessionJoined,
	})

	web := httptest.NewServer(webserver.New(webserver.Options{
		Config:     store,
		Connection: sup,
		Uploads:    manager,
		Logger:     quietLogger,
	}).Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	go func() {
		_ = sup.Run(ctx)
		done <- struct{}{}
	}()

	go func() {
		_ = manager.Run(ctx)
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		web.Close()
		cancel()
		<-done
		<-done
		st.Close()
	})

	return &client{
		Config:     store,
		State:      st,
		Manager:    manager,
		Supervisor: sup,
		Web:        web,
		Transfer:   xfer,
	}
}

// sparseFile creates a file of size bytes without writing its contents.
func sparseFile(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}
