package channel

import (
	"fmt"
	"strconv"

	ingesterrors "github.com/alexjbarnes/ingest-client/internal/errors"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Protocol constants for the Phoenix channels v2 serializer.
const (
	// ProtocolVersion is sent as the vsn query parameter on connect.
	ProtocolVersion = "2.0.0"

	// HeartbeatTopic is the reserved topic for connection heartbeats.
	HeartbeatTopic = "phoenix"

	// ClientTopicPrefix and UploaderTopicPrefix name the two topic kinds
	// this client joins.
	ClientTopicPrefix   = "client:"
	UploaderTopicPrefix = "uploader:"

	// envelopeLen is the number of positions in a wire envelope.
	envelopeLen = 5
)

// Event is the envelope's event tag.
type Event string

const (
	EventJoin           Event = "phx_join"
	EventReply          Event = "phx_reply"
	EventHeartbeat      Event = "heartbeat"
	EventStatus         Event = "status"
	EventPartRequest    Event = "part_request"
	EventInitiateUpload Event = "initiate_upload"
	EventComplete       Event = "complete_upload"
)

// Valid reports whether e is one of the known event tags.
func (e Event) Valid() bool {
	switch e {
	case EventJoin, EventReply, EventHeartbeat, EventStatus,
		EventPartRequest, EventInitiateUpload, EventComplete:
		return true
	}

	return false
}

// Ref is a join or message reference. The server echoes refs back as
// numeric strings; this client writes them as integers. Both decode to
// the same value.
type Ref uint64

// RefPtr returns a pointer to r, for building join refs inline.
func RefPtr(r Ref) *Ref {
	return &r
}

// Envelope is the unit exchanged in both directions:
// [join_ref, msg_ref, topic, event, payload].
type Envelope struct {
	JoinRef *Ref
	MsgRef  Ref
	Topic   string
	Event   Event
	Payload Payload
}

// ClientTopic returns the control topic for a hardware id.
func ClientTopic(hardwareID string) string {
	return ClientTopicPrefix + hardwareID
}

// UploaderTopic returns the topic for an upload id.
func UploaderTopic(uploadID string) string {
	return UploaderTopicPrefix + uploadID
}

// Encode serializes an envelope as a JSON array in field order. A nil
// payload is written as an empty object.
func Encode(env Envelope) ([]byte, error) {
	var joinRef any
	if env.JoinRef != nil {
		joinRef = uint64(*env.JoinRef)
	}

	var payload any = EmptyPayload{}
	if env.Payload != nil {
		payload = env.Payload
	}

	data, err := json.Marshal([]any{joinRef, uint64(env.MsgRef), env.Topic, string(env.Event), payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope for %s: %w", env.Event, env.Topic, err)
	}

	return data, nil
}

// Decode parses a wire frame. Any structural problem, unknown event tag,
// or payload that does not fit the event's payload type yields an error
// wrapping ErrMalformedEnvelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope

	if !gjson.ValidBytes(data) {
		return env, malformed("invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return env, malformed("not an array")
	}

	parts := root.Array()
	if len(parts) != envelopeLen {
		return env, malformed("expected %d positions, got %d", envelopeLen, len(parts))
	}

	if parts[0].Type != gjson.Null {
		ref, err := parseRef(parts[0])
		if err != nil {
			return env, malformed("join_ref: %v", err)
		}

		env.JoinRef = &ref
	}

	msgRef, err := parseRef(parts[1])
	if err != nil {
		return env, malformed("msg_ref: %v", err)
	}

	env.MsgRef = msgRef

	if parts[2].Type != gjson.String {
		return env, malformed("topic is not a string")
	}

	env.Topic = parts[2].Str

	if parts[3].Type != gjson.String {
		return env, malformed("event is not a string")
	}

	env.Event = Event(parts[3].Str)
	if !env.Event.Valid() {
		return env, malformed("unknown event %q", parts[3].Str)
	}

	payload, err := decodePayload(env.Event, []byte(parts[4].Raw))
	if err != nil {
		return env, malformed("%s payload: %v", env.Event, err)
	}

	env.Payload = payload

	return env, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ingesterrors.ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

// parseRef accepts a non-negative integer or a string holding one.
func parseRef(r gjson.Result) (Ref, error) {
	switch r.Type {
	case gjson.Number:
		v, err := strconv.ParseUint(r.Raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an unsigned integer: %s", r.Raw)
		}

		return Ref(v), nil
	case gjson.String:
		v, err := strconv.ParseUint(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an unsigned integer: %q", r.Str)
		}

		return Ref(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %s", r.Type)
	}
}
