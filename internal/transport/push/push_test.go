package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/edgeagent/internal/agent"
	"git.home.luguber.info/inful/edgeagent/internal/foundation"
)

type nopReconciler struct{}

func (nopReconciler) Reconcile(*agent.DesiredState) {}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "edgeagent.device.dev-1.desired", DeviceSubject("dev-1"))
	assert.Equal(t, "edgeagent.project.p1.desired", ProjectSubject("p1"))
	assert.Equal(t, "edgeagent.device.dev-1.checkin", CheckInSubject("dev-1"))
}

func TestDecodeDesiredState(t *testing.T) {
	t.Run("null body deauthorizes", func(t *testing.T) {
		desired, err := DecodeDesiredState([]byte("null"))
		require.NoError(t, err)
		assert.Nil(t, desired)
	})

	t.Run("empty body deauthorizes", func(t *testing.T) {
		desired, err := DecodeDesiredState([]byte("  \n"))
		require.NoError(t, err)
		assert.Nil(t, desired)
	})

	t.Run("absent keys carry no opinion", func(t *testing.T) {
		desired, err := DecodeDesiredState([]byte(`{"snapshot":"s2"}`))
		require.NoError(t, err)
		require.NotNil(t, desired)
		assert.True(t, desired.Project.IsUnset())
		assert.True(t, desired.Snapshot.IsValue())
		assert.True(t, desired.Settings.IsUnset())
		v, ok := desired.Snapshot.Value()
		require.True(t, ok)
		assert.Equal(t, "s2", v)
	})

	t.Run("explicit null is a directive", func(t *testing.T) {
		desired, err := DecodeDesiredState([]byte(`{"project":"p1","snapshot":null}`))
		require.NoError(t, err)
		require.NotNil(t, desired)
		assert.True(t, desired.Project.IsValue())
		assert.True(t, desired.Snapshot.IsNull())
	})

	t.Run("malformed body is a transport error", func(t *testing.T) {
		_, err := DecodeDesiredState([]byte(`{"project":`))
		require.Error(t, err)
		assert.True(t, foundation.IsErrorCode(err, foundation.ErrorCodeTransport))
	})
}

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport("", "dev-1", nopReconciler{})
	assert.True(t, foundation.IsErrorCode(err, foundation.ErrorCodeValidation))

	_, err = NewTransport("nats://localhost:4222", "", nopReconciler{})
	assert.True(t, foundation.IsErrorCode(err, foundation.ErrorCodeValidation))

	_, err = NewTransport("nats://localhost:4222", "dev-1", nil)
	assert.True(t, foundation.IsErrorCode(err, foundation.ErrorCodeValidation))

	tr, err := NewTransport("nats://localhost:4222", "dev-1", nopReconciler{})
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestCheckInWithoutConnection(t *testing.T) {
	tr, err := NewTransport("nats://localhost:4222", "dev-1", nopReconciler{})
	require.NoError(t, err)

	err = tr.CheckIn()
	assert.True(t, foundation.IsErrorCode(err, foundation.ErrorCodeTransport))
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	tr, err := NewTransport("nats://localhost:4222", "dev-1", nopReconciler{})
	require.NoError(t, err)
	tr.Stop()
	tr.Stop()
}
