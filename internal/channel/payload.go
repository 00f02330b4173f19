package channel

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Payload is the event-specific envelope body. The concrete type is fixed
// by the envelope's event tag and chosen at decode time.
type Payload interface {
	event() Event
}

// Reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// DestinationType names the remote object store an upload targets.
type DestinationType string

const (
	DestinationAzure  DestinationType = "azure"
	DestinationS3     DestinationType = "s3"
	DestinationLakeFS DestinationType = "lakefs"
)

// JoinPayload is sent with phx_join. This client carries no join params.
type JoinPayload struct{}

// EmptyPayload is the body of heartbeats.
type EmptyPayload struct{}

// ReplyPayload is the server's reply to any request carrying a msg_ref.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// OK reports whether the reply status is "ok".
func (r ReplyPayload) OK() bool {
	return r.Status == ReplyOK
}

// StatusPayload reports upload progress.
type StatusPayload struct {
	UploadID       string `json:"upload_id"`
	PartsSent      int    `json:"parts_sent"`
	PartsRemaining int    `json:"parts_remaining"`
	NumParts       int    `json:"num_parts"`
	ChunkSize      int64  `json:"chunk_size"`
}

// PartRequestPayload asks the client to transfer one part. URL is a
// presigned destination when the server provides one.
type PartRequestPayload struct {
	Part int    `json:"part"`
	URL  string `json:"url,omitempty"`
}

// InitiateUploadPayload is sent by the server on the control topic to ask
// the client to start uploading a local file.
type InitiateUploadPayload struct {
	ID              string          `json:"id"`
	DestinationType DestinationType `json:"destination_type"`
	FilePath        string          `json:"file_path"`
}

// CompletePayload marks an upload as finished.
type CompletePayload struct {
	UploadID string `json:"upload_id,omitempty"`
}

func (JoinPayload) event() Event           { return EventJoin }
func (EmptyPayload) event() Event          { return EventHeartbeat }
func (ReplyPayload) event() Event          { return EventReply }
func (StatusPayload) event() Event         { return EventStatus }
func (PartRequestPayload) event() Event    { return EventPartRequest }
func (InitiateUploadPayload) event() Event { return EventInitiateUpload }
func (CompletePayload) event() Event       { return EventComplete }

// decodePayload parses raw into the payload type for ev. Unknown fields
// are ignored; wrong types are errors.
func decodePayload(ev Event, raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	if raw[0] != '{' {
		return nil, fmt.Errorf("payload is not an object")
	}

	switch ev {
	case EventJoin:
		return decodeInto[JoinPayload](raw)
	case EventReply:
		return decodeInto[ReplyPayload](raw)
	case EventHeartbeat:
		return decodeInto[EmptyPayload](raw)
	case EventStatus:
		return decodeInto[StatusPayload](raw)
	case EventPartRequest:
		return decodeInto[PartRequestPayload](raw)
	case EventInitiateUpload:
		p, err := decodeInto[InitiateUploadPayload](raw)
		if err != nil {
			return nil, err
		}

		switch p.DestinationType {
		case DestinationAzure, DestinationS3, DestinationLakeFS:
		default:
			return nil, fmt.Errorf("unknown destination type %q", p.DestinationType)
		}

		return p, nil
	case EventComplete:
		return decodeInto[CompletePayload](raw)
	default:
		return nil, fmt.Errorf("no payload type for event %q", ev)
	}
}

func decodeInto[T Payload](raw []byte) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}

	return p, nil
}
