package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/alexjbarnes/ingest-client/internal/metrics"
	"github.com/alexjbarnes/ingest-client/internal/state"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// HardwareID selects the control topic on which the server sends
	// initiate_upload. Empty disables server-initiated uploads.
	HardwareID string

	// Destination is used for uploads started locally.
	Destination channel.DestinationType

	Transferer Transferer
	Logger     *slog.Logger
}

// Progress is a point-in-time view of one upload.
type Progress struct {
	ID             string `json:"id"`
	FilePath       string `json:"file_path"`
	Joined         bool   `json:"joined"`
	FileSize       int64  `json:"file_size"`
	ChunkSize      int64  `json:"chunk_size"`
	NumParts       int    `json:"num_parts"`
	PartsSent      int    `json:"parts_sent"`
	PartsRemaining int    `json:"parts_remaining"`
}

// Manager owns every live Tracker. It persists the set of in-flight
// uploads in the app state database, routes their topics, re-joins them on
// each new session and runs their workers.
type Manager struct {
	state  *state.State
	router *channel.Router
	opts   ManagerOptions
	logger *slog.Logger

	mu        sync.Mutex
	trackers  map[string]*Tracker
	byPath    map[string]string
	queue     *channel.Queue
	pending   []*Tracker
	initiated []channel.InitiateUploadPayload
	wake      chan struct{}
}

// NewManager creates a manager and, when a hardware id is set, registers
// it as the handler for the control topic.
func NewManager(st *state.State, router *channel.Router, opts ManagerOptions) *Manager {
	if opts.Destination == "" {
		opts.Destination = channel.DestinationS3
	}

	if opts.Transferer == nil {
		opts.Transferer = UnimplementedTransferer{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		state:    st,
		router:   router,
		opts:     opts,
		logger:   logger,
		trackers: make(map[string]*Tracker),
		byPath:   make(map[string]string),
		wake:     make(chan struct{}, 1),
	}

	if opts.HardwareID != "" {
		router.Register(channel.ClientTopic(opts.HardwareID), channel.HandlerFunc(m.handleControl))
	}

	return m
}

// handleControl serves server requests on the control topic. It runs on
// the session's control goroutine, so initiate_upload is only queued here
// and opened by Run.
func (m *Manager) handleControl(_ context.Context, env channel.Envelope) error {
	p, ok := env.Payload.(channel.InitiateUploadPayload)
	if !ok {
		m.logger.Debug("control event ignored", slog.String("event", string(env.Event)))
		return nil
	}

	m.logger.Info("server initiated upload",
		slog.String("upload_id", p.ID),
		slog.String("path", p.FilePath),
		slog.String("destination", string(p.DestinationType)),
	)

	m.mu.Lock()
	m.initiated = append(m.initiated, p)
	m.mu.Unlock()

	m.signal()

	return nil
}

// startInitiated adds every queued server-initiated upload.
func (m *Manager) startInitiated() {
	m.mu.Lock()
	initiated := m.initiated
	m.initiated = nil
	m.mu.Unlock()

	for _, p := range initiated {
		if _, err := m.Add(p.ID, p.FilePath, p.DestinationType); err != nil {
			m.logger.Warn("server initiated upload not started",
				slog.String("upload_id", p.ID),
				slog.String("path", p.FilePath),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Upload starts a new upload of the file at path with a generated id. A
// path that is already being uploaded returns its existing tracker.
func (m *Manager) Upload(path string) (*Tracker, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	m.mu.Lock()
	id, ok := m.byPath[abs]
	tr := m.trackers[id]
	m.mu.Unlock()

	if ok {
		return tr, nil
	}

	return m.Add(uuid.NewString(), abs, m.opts.Destination)
}

// Add starts (or resumes) upload id of path. Adding an id that is already
// live returns the existing tracker.
func (m *Manager) Add(id, path string, dest channel.DestinationType) (*Tracker, error) {
	m.mu.Lock()
	existing, ok := m.trackers[id]
	m.mu.Unlock()

	if ok {
		return existing, nil
	}

	if dest == "" {
		dest = m.opts.Destination
	}

	tr, err := Create(m.state.UploadsDir(), id, path, Options{
		Destination: dest,
		Transferer:  m.opts.Transferer,
		Logger:      m.logger,
		OnFinished:  m.onFinished,
	})
	if err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	if rec, err := m.state.GetUpload(id); err == nil && rec != nil {
		createdAt = rec.CreatedAt
	}

	err = m.state.SaveUpload(state.UploadRecord{
		ID:          id,
		FilePath:    path,
		Destination: string(dest),
		CreatedAt:   createdAt,
	})
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: registering upload %s: %w", ingesterrors.ErrStorageFailure, id, err)
	}

	m.router.Register(tr.Topic(), tr)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackers[id] = tr
	m.byPath[path] = id
	m.pending = append(m.pending, tr)

	if m.queue != nil {
		if err := tr.Join(m.queue); err != nil {
			m.logger.Warn("joining upload topic", slog.String("upload_id", id), slog.String("error", err.Error()))
		}
	}

	m.signal()

	metrics.ActiveUploads.Inc()

	plan := tr.Plan()
	m.logger.Info("upload tracked",
		slog.String("upload_id", id),
		slog.String("path", path),
		slog.Int64("size", plan.FileSize),
		slog.Int("parts", plan.NumParts),
	)

	return tr, nil
}

// Resume re-creates a tracker for every registered upload. Uploads whose
// file is gone or has changed size are dropped along with their state.
func (m *Manager) Resume() (int, error) {
	recs, err := m.state.AllUploads()
	if err != nil {
		return 0, fmt.Errorf("%w: listing uploads: %w", ingesterrors.ErrStorageFailure, err)
	}

	resumed := 0

	for _, rec := range recs {
		_, err := m.Add(rec.ID, rec.FilePath, channel.DestinationType(rec.Destination))

		switch {
		case err == nil:
			resumed++

		case errors.Is(err, ingesterrors.ErrFileNotFound), errors.Is(err, ingesterrors.ErrPlanMismatch):
			m.logger.Warn("dropping upload that can no longer resume",
				slog.String("upload_id", rec.ID),
				slog.String("path", rec.FilePath),
				slog.String("error", err.Error()),
			)
			m.discard(rec.ID)

		default:
			m.logger.Error("resuming upload",
				slog.String("upload_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return resumed, nil
}

// discard removes an upload that has no live tracker.
func (m *Manager) discard(id string) {
	if err := m.state.DeleteUpload(id); err != nil {
		m.logger.Warn("removing upload record", slog.String("upload_id", id), slog.String("error", err.Error()))
	}

	if !state.UploadExists(m.state.UploadsDir(), id) {
		return
	}

	store, err := state.OpenUpload(m.state.UploadsDir(), id)
	if err != nil {
		m.logger.Warn("opening stale upload store", slog.String("upload_id", id), slog.String("error", err.Error()))
		return
	}

	if err := store.Purge(); err != nil {
		m.logger.Warn("purging stale upload store", slog.String("upload_id", id), slog.String("error", err.Error()))
	}
}

// OnSessionJoined joins every live upload topic on the new session's
// queue. Wire it to the supervisor's OnJoined hook.
func (m *Manager) OnSessionJoined(q *channel.Queue) {
	m.mu.Lock()
	m.queue = q
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, tr := range m.trackers {
		trackers = append(trackers, tr)
	}
	m.mu.Unlock()

	for _, tr := range trackers {
		if err := tr.Join(q); err != nil {
			m.logger.Warn("rejoining upload topic", slog.String("upload_id", tr.ID()), slog.String("error", err.Error()))
		}
	}

	if len(trackers) > 0 {
		m.logger.Info("upload topics rejoined", slog.Int("count", len(trackers)))
	}
}

// Cancel abandons upload id and purges its state.
func (m *Manager) Cancel(id string) error {
	tr, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ingesterrors.ErrUnknownUpload, id)
	}

	return tr.Cancel()
}

func (m *Manager) onFinished(id, reason string) {
	m.mu.Lock()
	tr, ok := m.trackers[id]
	if ok {
		delete(m.trackers, id)
		delete(m.byPath, tr.Path())
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.router.Unregister(tr.Topic())

	if err := m.state.DeleteUpload(id); err != nil {
		m.logger.Warn("removing upload record", slog.String("upload_id", id), slog.String("error", err.Error()))
	}

	metrics.ActiveUploads.Dec()
	m.logger.Info("upload removed", slog.String("upload_id", id), slog.String("reason", reason))
}

// Get returns the live tracker for id.
func (m *Manager) Get(id string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.trackers[id]

	return tr, ok
}

// Tracking reports whether path is already being uploaded.
func (m *Manager) Tracking(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.byPath[path]

	return ok
}

// Uploads returns the progress of every live upload ordered by path.
func (m *Manager) Uploads() []Progress {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, tr := range m.trackers {
		trackers = append(trackers, tr)
	}
	m.mu.Unlock()

	out := make([]Progress, 0, len(trackers))

	for _, tr := range trackers {
		plan := tr.Plan()

		sent, remaining, err := tr.Progress()
		if err != nil {
			// Finished concurrently; its store is gone.
			continue
		}

		out = append(out, Progress{
			ID:             tr.ID(),
			FilePath:       tr.Path(),
			Joined:         tr.Joined(),
			FileSize:       plan.FileSize,
			ChunkSize:      plan.ChunkSize,
			NumParts:       plan.NumParts,
			PartsSent:      sent,
			PartsRemaining: remaining,
		})
	}

	slices.SortFunc(out, func(a, b Progress) int {
		if c := strings.Compare(a.FilePath, b.FilePath); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Run starts a worker for every tracker as it is added, opens uploads the
// server initiated, and blocks until ctx is cancelled. On return every remaining tracker is closed with its
// state kept for the next start.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for {
		m.startInitiated()

		m.mu.Lock()
		pending := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, tr := range pending {
			g.Go(func() error {
				return tr.Run(gctx)
			})
		}

		select {
		case <-gctx.Done():
			err := g.Wait()
			m.closeAll()

			return err
		case <-m.wake:
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, tr := range m.trackers {
		trackers = append(trackers, tr)
	}
	m.mu.Unlock()

	for _, tr := range trackers {
		if err := tr.Close(); err != nil {
			m.logger.Warn("closing upload store", slog.String("upload_id", tr.ID()), slog.String("error", err.Error()))
		}
	}
}
