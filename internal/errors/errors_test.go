package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrConfigurationMissing,
		ErrMissingToken,
		ErrMissingIdentity,
		ErrTransportFailure,
		ErrMalformedEnvelope,
		ErrChannelClosed,
		ErrJoinRejected,
		ErrJoinTimeout,
		ErrHeartbeatTimeout,
		ErrFileNotFound,
		ErrStorageFailure,
		ErrNotJoined,
		ErrPlanMismatch,
		ErrTransferNotImplemented,
		ErrUnknownUpload,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestMissingConfigErrors_WrapConfigurationMissing(t *testing.T) {
	assert.ErrorIs(t, ErrMissingToken, ErrConfigurationMissing)
	assert.ErrorIs(t, ErrMissingIdentity, ErrConfigurationMissing)
	assert.False(t, errors.Is(ErrMissingToken, ErrMissingIdentity))
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("starting session: %w", ErrMissingToken)
	assert.ErrorIs(t, wrapped, ErrMissingToken)
	assert.ErrorIs(t, wrapped, ErrConfigurationMissing)
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrMissingToken, "required configuration missing: auth token not present"},
		{ErrMissingIdentity, "required configuration missing: client hardware id not present"},
		{ErrChannelClosed, "channel closed"},
		{ErrMalformedEnvelope, "malformed envelope"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
