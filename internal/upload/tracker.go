package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/channel"
	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/alexjbarnes/ingest-client/internal/metrics"
	"github.com/alexjbarnes/ingest-client/internal/state"
)

// requestChanSize bounds part requests waiting for the tracker's worker.
// Requests beyond it are dropped; the server re-requests missing parts.
const requestChanSize = 64

// Finish reasons passed to OnFinished.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
)

// PartTransfer describes one part to move to the remote store.
type PartTransfer struct {
	UploadID    string
	FilePath    string
	Destination channel.DestinationType
	Part        int
	Offset      int64
	Length      int64
	URL         string
}

// Transferer moves part bytes to the remote object store.
type Transferer interface {
	TransferPart(ctx context.Context, part PartTransfer) (etag string, err error)
}

// UnimplementedTransferer rejects every part. The object-store call is
// supplied by the embedding application.
type UnimplementedTransferer struct{}

// TransferPart returns ErrTransferNotImplemented.
func (UnimplementedTransferer) TransferPart(context.Context, PartTransfer) (string, error) {
	return "", ingesterrors.ErrTransferNotImplemented
}

// Options configures a Tracker.
type Options struct {
	Destination channel.DestinationType
	Transferer  Transferer
	Logger      *slog.Logger

	// OnFinished runs once after the durable state has been purged.
	OnFinished func(id, reason string)
}

// Tracker owns one upload: its chunk plan, its durable completion store,
// and its membership of the uploader:<id> topic.
type Tracker struct {
	id       string
	path     string
	topic    string
	plan     Plan
	store    *state.UploadStore
	logger   *slog.Logger
	opts     Options
	requests chan channel.PartRequestPayload

	// mu serializes envelope production so a Join is always enqueued
	// before the Status/Complete traffic that follows it.
	mu          sync.Mutex
	queue       *channel.Queue
	joined      bool
	msgRef      channel.Ref
	completeRef channel.Ref

	once sync.Once
	done chan struct{}
}

// Create opens the tracker for upload id of the file at path. Durable
// state lives under dir; re-creating a tracker for an id resumes from its
// persisted completion markers.
func Create(dir, id, path string, opts Options) (*Tracker, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ingesterrors.ErrFileNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ingesterrors.ErrFileNotFound, path)
	}

	plan := NewPlan(info.Size())

	store, err := state.OpenUpload(dir, id)
	if err != nil {
		return nil, err
	}

	meta, err := store.Meta()
	if err != nil {
		store.Close()
		return nil, err
	}

	if meta == nil {
		err := store.SetMeta(state.UploadMeta{
			ID:        id,
			FilePath:  path,
			FileSize:  plan.FileSize,
			ChunkSize: plan.ChunkSize,
			NumParts:  plan.NumParts,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			store.Close()
			return nil, err
		}
	} else if meta.FileSize != plan.FileSize {
		store.Close()
		return nil, fmt.Errorf("%w: %s was %d bytes, now %d", ingesterrors.ErrPlanMismatch, path, meta.FileSize, plan.FileSize)
	}

	if opts.Transferer == nil {
		opts.Transferer = UnimplementedTransferer{}
	}

	if opts.Destination == "" {
		opts.Destination = channel.DestinationS3
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		id:       id,
		path:     path,
		topic:    channel.UploaderTopic(id),
		plan:     plan,
		store:    store,
		logger:   logger.With(slog.String("upload_id", id)),
		opts:     opts,
		requests: make(chan channel.PartRequestPayload, requestChanSize),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the upload id.
func (t *Tracker) ID() string { return t.id }

// Path returns the source file path.
func (t *Tracker) Path() string { return t.path }

// Topic returns uploader:<id>.
func (t *Tracker) Topic() string { return t.topic }

// Plan returns the chunk plan.
func (t *Tracker) Plan() Plan { return t.plan }

// Join enqueues the topic join on q with join_ref 0 and restarts the
// tracker's msg_ref sequence. Status and Complete traffic is only sent on
// the queue most recently joined.
func (t *Tracker) Join(q *channel.Queue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue = q
	t.joined = false
	t.msgRef = 0
	t.completeRef = 0

	return q.Enqueue(channel.Envelope{
		JoinRef: channel.RefPtr(0),
		MsgRef:  0,
		Topic:   t.topic,
		Event:   channel.EventJoin,
		Payload: channel.JoinPayload{},
	})
}

// Joined reports whether the server confirmed the join on the current
// queue.
func (t *Tracker) Joined() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.joined
}

// send enqueues a non-join envelope on the joined queue. Caller holds mu.
func (t *Tracker) send(ev channel.Event, payload channel.Payload) (channel.Ref, error) {
	if t.queue == nil {
		return 0, fmt.Errorf("%w: %s", ingesterrors.ErrNotJoined, t.topic)
	}

	t.msgRef++

	err := t.queue.Enqueue(channel.Envelope{
		JoinRef: channel.RefPtr(0),
		MsgRef:  t.msgRef,
		Topic:   t.topic,
		Event:   ev,
		Payload: payload,
	})

	return t.msgRef, err
}

// Progress counts completed parts from one consistent snapshot of the
// store. Markers outside the plan are ignored, so sent never exceeds
// NumParts and remaining is never negative.
func (t *Tracker) Progress() (sent, remaining int, err error) {
	sent, err = t.store.CountCompleted(t.plan.NumParts)
	if err != nil {
		return 0, 0, err
	}

	return sent, t.plan.NumParts - sent, nil
}

// ReportStatus enqueues a Status envelope on q. q must be the queue the
// tracker last joined.
func (t *Tracker) ReportStatus(q *channel.Queue) error {
	sent, remaining, err := t.Progress()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if q == nil || q != t.queue {
		return fmt.Errorf("%w: %s", ingesterrors.ErrNotJoined, t.topic)
	}

	_, err = t.send(channel.EventStatus, channel.StatusPayload{
		UploadID:       t.id,
		PartsSent:      sent,
		PartsRemaining: remaining,
		NumParts:       t.plan.NumParts,
		ChunkSize:      t.plan.ChunkSize,
	})

	return err
}

// reportCurrent reports status on whatever queue is joined, if any.
func (t *Tracker) reportCurrent() {
	t.mu.Lock()
	q := t.queue
	t.mu.Unlock()

	if q == nil {
		return
	}

	if err := t.ReportStatus(q); err != nil {
		t.logger.Debug("status not sent", slog.String("error", err.Error()))
	}
}

// CompletePart persists the completion marker for part i. Marking a part
// twice is harmless.
func (t *Tracker) CompletePart(i int, etag string) error {
	if i < 0 || i >= t.plan.NumParts {
		return fmt.Errorf("part %d outside plan of %d parts", i, t.plan.NumParts)
	}

	if err := t.store.MarkPart(i, state.PartMarker{CompletedAt: time.Now().UTC(), ETag: etag}); err != nil {
		return err
	}

	metrics.PartsCompleted.Inc()

	return nil
}

// maybeComplete asks the server to finish the upload once every part is
// marked. Sent at most once per join.
func (t *Tracker) maybeComplete() {
	sent, _, err := t.Progress()
	if err != nil || sent < t.plan.NumParts {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.joined || t.completeRef != 0 {
		return
	}

	ref, err := t.send(channel.EventComplete, channel.CompletePayload{UploadID: t.id})
	if err != nil {
		t.logger.Warn("complete request not sent", slog.String("error", err.Error()))
		return
	}

	t.completeRef = ref
	t.logger.Info("all parts sent, completing upload", slog.Int("parts", t.plan.NumParts))
}

// HandleInbound applies an envelope addressed to this tracker's topic.
func (t *Tracker) HandleInbound(_ context.Context, env channel.Envelope) error {
	switch p := env.Payload.(type) {
	case channel.ReplyPayload:
		return t.handleReply(env.MsgRef, p)

	case channel.PartRequestPayload:
		select {
		case t.requests <- p:
		default:
			t.logger.Warn("part request backlog full, dropping", slog.Int("part", p.Part))
		}

		return nil

	case channel.CompletePayload:
		t.logger.Info("server completed upload")
		return t.finish(ReasonCompleted)

	case channel.StatusPayload:
		// Never answered; a server that echoes status would loop forever.
		t.logger.Debug("server status",
			slog.Int("parts_sent", p.PartsSent),
			slog.Int("parts_remaining", p.PartsRemaining),
		)

		return nil

	default:
		t.logger.Debug("ignoring event", slog.String("event", string(env.Event)))
		return nil
	}
}

func (t *Tracker) handleReply(ref channel.Ref, reply channel.ReplyPayload) error {
	t.mu.Lock()
	isJoin := ref == 0 && !t.joined && t.queue != nil
	isComplete := t.completeRef != 0 && ref == t.completeRef

	if isJoin && reply.OK() {
		t.joined = true
	}
	t.mu.Unlock()

	switch {
	case isJoin:
		if !reply.OK() {
			t.logger.Warn("join rejected", slog.String("status", reply.Status), slog.String("response", string(reply.Response)))
			return fmt.Errorf("%w: %s", ingesterrors.ErrJoinRejected, t.topic)
		}

		t.logger.Info("upload topic joined", slog.Int("parts", t.plan.NumParts))
		t.reportCurrent()
		t.maybeComplete()

	case isComplete:
		if !reply.OK() {
			t.logger.Warn("complete rejected", slog.String("status", reply.Status), slog.String("response", string(reply.Response)))

			t.mu.Lock()
			t.completeRef = 0
			t.mu.Unlock()

			return nil
		}

		return t.finish(ReasonCompleted)
	}

	return nil
}

// Run serves part requests until ctx ends or the upload finishes.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case req := <-t.requests:
			t.servePart(ctx, req)
		}
	}
}

func (t *Tracker) servePart(ctx context.Context, req channel.PartRequestPayload) {
	logger := t.logger.With(slog.Int("part", req.Part))

	if req.Part < 0 || req.Part >= t.plan.NumParts {
		logger.Warn("part request outside plan", slog.Int("num_parts", t.plan.NumParts))
		return
	}

	done, err := t.store.PartComplete(req.Part)
	if err != nil {
		logger.Error("reading part marker", slog.String("error", err.Error()))
		return
	}

	if !done {
		offset, length := t.plan.PartRange(req.Part)

		etag, err := t.opts.Transferer.TransferPart(ctx, PartTransfer{
			UploadID:    t.id,
			FilePath:    t.path,
			Destination: t.opts.Destination,
			Part:        req.Part,
			Offset:      offset,
			Length:      length,
			URL:         req.URL,
		})
		if err != nil {
			logger.Warn("part transfer failed", slog.String("error", err.Error()))
			return
		}

		if err := t.CompletePart(req.Part, etag); err != nil {
			logger.Error("persisting part marker", slog.String("error", err.Error()))
			return
		}

		logger.Debug("part complete")
	}

	t.reportCurrent()
	t.maybeComplete()
}

// Cancel abandons the upload and purges its durable state.
func (t *Tracker) Cancel() error {
	return t.finish(ReasonCancelled)
}

func (t *Tracker) finish(reason string) error {
	var err error

	t.once.Do(func() {
		close(t.done)

		err = t.store.Purge()

		metrics.UploadsFinished.WithLabelValues(reason).Inc()
		t.logger.Info("upload finished", slog.String("reason", reason))

		if t.opts.OnFinished != nil {
			t.opts.OnFinished(t.id, reason)
		}
	})

	return err
}

// Close releases the store and keeps its state for a later resume.
func (t *Tracker) Close() error {
	var err error

	t.once.Do(func() {
		close(t.done)
		err = t.store.Close()
	})

	return err
}

// Done is closed once the tracker has been finished or closed.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}
