package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKinds(t *testing.T) {
	kinds := AllMessageKinds()
	require.Len(t, kinds, int(numMessageKinds))

	for _, k := range kinds {
		msg, err := NewMessage(k)
		require.NoError(t, err, k.String())
		assert.Equal(t, k, msg.Kind())

		parsed, err := ParseMessageKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestUnknownMessageKind(t *testing.T) {
	_, err := ParseMessageKind("security_list")
	assert.Error(t, err)

	_, err = NewMessage(numMessageKinds)
	assert.Error(t, err)
	assert.Equal(t, "unknown(99)", MessageKind(99).String())
}

func TestPositionRequestAck(t *testing.T) {
	assert.True(t, (&PositionRequestAck{Status: PosReqStatusCompleted}).Completed())
	assert.True(t, (&PositionRequestAck{Status: PosReqStatusRejected}).Rejected())

	warn := &PositionRequestAck{Status: PosReqStatusCompletedWithWarning}
	assert.False(t, warn.Completed())
	assert.False(t, warn.Rejected())
}
