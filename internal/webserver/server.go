// Package webserver serves the local registration and status pages and
// accepts newly issued tokens from the ingest server's dashboard.
package webserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	"github.com/alexjbarnes/ingest-client/internal/config"
	"github.com/alexjbarnes/ingest-client/internal/supervisor"
	"github.com/alexjbarnes/ingest-client/internal/upload"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	verifyTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ConfigStore holds the live configuration and persists token updates.
type ConfigStore interface {
	Current() config.Config
	SaveToken(token string, expiresAt time.Time) error
}

// Connection is the supervisor surface the pages expose.
type Connection interface {
	Status() supervisor.Snapshot
	Reconnect() bool
}

// UploadLister reports in-flight uploads.
type UploadLister interface {
	Uploads() []upload.Progress
}

// VerifyFunc checks that a token is accepted by the server.
type VerifyFunc func(ctx context.Context, server, token string) error

// Options holds the server's dependencies.
type Options struct {
	Config     ConfigStore
	Connection Connection
	Uploads    UploadLister
	Verify     VerifyFunc
	Logger     *slog.Logger
}

// Server is the local HTTP UI.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New creates a server. Without a Verify function tokens are checked with
// a real websocket handshake.
func New(opts Options) *Server {
	if opts.Verify == nil {
		opts.Verify = func(ctx context.Context, server, token string) error {
			return channel.VerifyToken(ctx, channel.Dial, server, token)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{opts: opts, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/callback", s.handleCallback)
	r.Get("/status", s.handleStatus)
	r.Post("/reconnect", s.handleReconnect)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("webserver listening", slog.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webserver: %w", err)
	}

	return nil
}

// RegisterURL is the dashboard page that issues a token for hardwareID.
func RegisterURL(server, hardwareID string) string {
	return fmt.Sprintf("http://%s/dashboard/destinations/register_client?client_id=%s",
		server, url.QueryEscape(hardwareID))
}

type pageData struct {
	RegisterURL string
	Status      string
	Connected   bool
	Uploads     []upload.Progress
	Error       string
}

func (s *Server) page() pageData {
	cfg := s.opts.Config.Current()
	snap := s.opts.Connection.Status()

	data := pageData{
		RegisterURL: RegisterURL(cfg.IngestServer, cfg.HardwareID),
		Status:      snap.Text(),
		Connected:   snap.Status == supervisor.Connected,
	}

	if s.opts.Uploads != nil {
		data.Uploads = s.opts.Uploads.Uploads()
	}

	return data
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("rendering page", slog.String("page", name), slog.String("error", err.Error()))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Config.Current()
	data := s.page()

	if !cfg.HasToken(time.Now()) {
		s.render(w, http.StatusOK, "register.html", data)
		return
	}

	// Loading the page is a reconnect request when the socket is down.
	s.opts.Connection.Reconnect()

	s.render(w, http.StatusOK, "main.html", data)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")

	if token == "" {
		data := s.page()
		data.Error = "missing token"
		s.render(w, http.StatusBadRequest, "callback.html", data)

		return
	}

	expiresAt, err := parseExpiry(q.Get("expires_at"))
	if err != nil {
		data := s.page()
		data.Error = "invalid expires_at"
		s.render(w, http.StatusBadRequest, "callback.html", data)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()

	cfg := s.opts.Config.Current()
	if err := s.opts.Verify(ctx, cfg.IngestServer, token); err != nil {
		s.logger.Warn("token verification failed", slog.String("error", err.Error()))

		data := s.page()
		data.Error = "the ingest server did not accept the token"
		s.render(w, http.StatusBadGateway, "callback.html", data)

		return
	}

	if err := s.opts.Config.SaveToken(token, expiresAt); err != nil {
		s.logger.Error("saving token", slog.String("error", err.Error()))

		data := s.page()
		data.Error = "could not save the token"
		s.render(w, http.StatusInternalServerError, "callback.html", data)

		return
	}

	s.logger.Info("token registered")
	s.opts.Connection.Reconnect()

	s.render(w, http.StatusOK, "callback.html", s.page())
}

// parseExpiry accepts RFC 3339 or unix seconds. Empty means no expiry.
func parseExpiry(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}

	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}

	return time.Parse(time.RFC3339, v)
}

type statusResponse struct {
	Connected bool              `json:"connected"`
	Status    string            `json:"status"`
	Since     *time.Time        `json:"since,omitempty"`
	HasToken  bool              `json:"has_token"`
	Uploads   []upload.Progress `json:"uploads"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.opts.Connection.Status()
	cfg := s.opts.Config.Current()

	resp := statusResponse{
		Connected: snap.Status == supervisor.Connected,
		Status:    snap.Text(),
		HasToken:  cfg.HasToken(time.Now()),
		Uploads:   []upload.Progress{},
	}

	if !snap.Since.IsZero() {
		since := snap.Since
		resp.Since = &since
	}

	if s.opts.Uploads != nil {
		resp.Uploads = s.opts.Uploads.Uploads()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	triggered := s.opts.Connection.Reconnect()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": triggered})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Debug("writing response", slog.String("error", err.Error()))
	}
}
