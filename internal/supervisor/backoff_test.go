package supervisor

import (
	"testing"
	"time"

	"github.com/alexjbarnes/ingest-client/internal/config"
	"github.com/stretchr/testify/assert"
)

func delays(b Backoff, n int) []time.Duration {
	schedule := b.Schedule()

	out := make([]time.Duration, n)
	for i := range out {
		out[i] = schedule.NextBackOff()
	}

	return out
}

func TestBackoff_ScheduleNoJitter(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays(b, 6))
}

func TestBackoff_ScheduleNoMaxDoesNotOverflow(t *testing.T) {
	got := delays(Backoff{Initial: time.Second, Multiplier: 2}, 200)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
}

func TestBackoff_ScheduleReset(t *testing.T) {
	schedule := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 3}.Schedule()

	schedule.NextBackOff()
	schedule.NextBackOff()
	schedule.Reset()

	assert.Equal(t, time.Second, schedule.NextBackOff())
}

func TestBackoff_MultiplierBelowOneIsFlat(t *testing.T) {
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second},
		delays(Backoff{Initial: time.Second, Multiplier: 0.5}, 3))
}

func TestBackoff_InitialAboveMaxIsCapped(t *testing.T) {
	assert.Equal(t, []time.Duration{time.Second, time.Second},
		delays(Backoff{Initial: time.Minute, Max: time.Second, Multiplier: 2}, 2))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Initial: 4 * time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		d := b.Schedule().NextBackOff()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{MaxRetries: 3}
	assert.False(t, b.Exhausted(0))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))

	unlimited := Backoff{}
	assert.False(t, unlimited.Exhausted(1_000_000))
}

func TestBackoffFromConfig(t *testing.T) {
	b := BackoffFromConfig(&config.Config{
		ReconnectMin:        2 * time.Second,
		ReconnectMax:        time.Minute,
		ReconnectMultiplier: 3,
		ReconnectJitter:     0.25,
		ReconnectMaxRetries: 7,
	})

	assert.Equal(t, Backoff{
		Initial:    2 * time.Second,
		Max:        time.Minute,
		Multiplier: 3,
		Jitter:     0.25,
		MaxRetries: 7,
	}, b)
}

func TestFlag_SnapshotAndText(t *testing.T) {
	var f Flag

	assert.Equal(t, Disconnected, f.Snapshot().Status)
	assert.Equal(t, "Disconnected", f.Snapshot().Text())

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f.Set(Connected, at)
	assert.True(t, f.Connected())
	assert.Equal(t, "Connected - Wed, 04 Mar 2026 05:06:07 +0000", f.Snapshot().Text())

	// Re-setting the same status keeps the original timestamp.
	f.Set(Connected, at.Add(time.Hour))
	assert.Equal(t, at, f.Snapshot().Since)

	f.Set(Connecting, at)
	assert.Equal(t, "Connecting", f.Snapshot().Text())
	assert.False(t, f.Connected())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
