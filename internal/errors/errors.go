package errors

import (
	"errors"
	"fmt"
)

// Configuration errors. Fatal to one connection attempt, never to the process.
var (
	ErrConfigurationMissing = errors.New("required configuration missing")
	ErrMissingToken         = fmt.Errorf("%w: auth token not present", ErrConfigurationMissing)
	ErrMissingIdentity      = fmt.Errorf("%w: client hardware id not present", ErrConfigurationMissing)
)

// Transport and protocol errors.
var (
	ErrTransportFailure  = errors.New("transport failure")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrChannelClosed     = errors.New("channel closed")
	ErrJoinRejected      = errors.New("join rejected by server")
	ErrJoinTimeout       = errors.New("timed out waiting for join reply")
	ErrHeartbeatTimeout  = errors.New("no heartbeat reply within allowed window")
)

// Upload errors.
var (
	ErrFileNotFound           = errors.New("file not found")
	ErrStorageFailure         = errors.New("upload storage failure")
	ErrNotJoined              = errors.New("upload topic not joined")
	ErrPlanMismatch           = errors.New("file no longer matches persisted upload plan")
	ErrTransferNotImplemented = errors.New("part transfer not implemented")
	ErrUnknownUpload          = errors.New("unknown upload")
)
