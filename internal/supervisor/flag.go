package supervisor

import (
	"sync"
	"time"
)

// Status is the connectivity state shown to the UI.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Snapshot is a point-in-time copy of the flag.
type Snapshot struct {
	Status Status
	Since  time.Time
}

// Text renders the snapshot the way the status menu shows it.
func (s Snapshot) Text() string {
	if s.Status == Connected {
		return "Connected - " + s.Since.Format(time.RFC1123Z)
	}

	if s.Status == Connecting {
		return "Connecting"
	}

	return "Disconnected"
}

// Flag is the shared connectivity cell. The supervisor is its only writer;
// the lock is held for a single read or write and never across I/O.
type Flag struct {
	mu    sync.RWMutex
	state Snapshot
}

// Set records a new status, stamping the time of change.
func (f *Flag) Set(s Status, now time.Time) {
	f.mu.Lock()
	if f.state.Status != s {
		f.state = Snapshot{Status: s, Since: now}
	}
	f.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (f *Flag) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.state
}

// Connected reports whether a transport is up.
func (f *Flag) Connected() bool {
	return f.Snapshot().Status == Connected
}
