package bus

import (
	"testing"

	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New("1000-test.bus", "default", 1000, model.DefaultBloom, nil, nil, Hooks{})
	require.NoError(t, err)
	return b
}

func TestIsValidBusName(t *testing.T) {
	assert.True(t, IsValidBusName("1000-foo", 1000))
	assert.False(t, IsValidBusName("1000-foo", 1001))
	assert.False(t, IsValidBusName("1000-", 1000))
	assert.False(t, IsValidBusName("foo", 1000))
}

func TestNewRejectsMismatchedUIDPrefix(t *testing.T) {
	_, err := New("2000-other", "default", 1000, model.DefaultBloom, nil, nil, Hooks{})
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindInvalidArgument, merr.Kind)
}

func TestHelloConnRejectsUnprivilegedActivator(t *testing.T) {
	b := newTestBus(t)
	_, err := b.HelloConn(1001, model.ConnFlagActivator, 0, "", nil)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindPermissionDenied, merr.Kind)
}

func TestHelloConnAllowsPrivilegedActivatorAndTracksAsMonitorSeparately(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	activator, err := b.HelloConn(1000, model.ConnFlagActivator, 0, "act", nil)
	require.NoError(t, err)

	got, ok := b.Lookup(activator.ID)
	require.True(t, ok)
	assert.Equal(t, activator, got)
	assert.Empty(t, b.Monitors(), "an activator is not a monitor")

	monitor, err := b.HelloConn(1000, model.ConnFlagMonitor, 0, "mon", nil)
	require.NoError(t, err)
	assert.Len(t, b.Monitors(), 1)
	assert.Equal(t, monitor, b.Monitors()[0])
}

func TestHelloConnAllocatesMonotonicIDs(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	a, err := b.HelloConn(1000, 0, 0, "", nil)
	require.NoError(t, err)
	c, err := b.HelloConn(1000, 0, 0, "", nil)
	require.NoError(t, err)
	assert.Less(t, a.ID, c.ID)
}

func TestByebyeConnRemovesFromHashAndReleasesNames(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	conn, err := b.HelloConn(1000, 0, 0, "", nil)
	require.NoError(t, err)

	_, _, err = b.Registry.Acquire(conn, "com.example.Foo", 0)
	require.NoError(t, err)

	require.NoError(t, b.ByebyeConn(conn, false))

	_, ok := b.Lookup(conn.ID)
	assert.False(t, ok)
	_, ok = b.Registry.Lookup("com.example.Foo")
	assert.False(t, ok)
}

func TestShutdownDisconnectsEveryConnectionAndIsIdempotent(t *testing.T) {
	b := newTestBus(t)

	_, err := b.HelloConn(1000, 0, 0, "", nil)
	require.NoError(t, err)
	_, err = b.HelloConn(1000, 0, 0, "", nil)
	require.NoError(t, err)

	b.Shutdown()
	assert.Empty(t, b.Connections())

	assert.NotPanics(t, b.Shutdown)
}

func TestCreatorInfoGatedBySharedNamespace(t *testing.T) {
	creator := &metadata.Snapshot{UID: 1000, NamespaceID: "ns-a"}
	b, err := New("1000-test.bus", "default", 1000, model.DefaultBloom, nil, creator, Hooks{})
	require.NoError(t, err)
	defer b.Shutdown()

	_, err = b.CreatorInfo(&metadata.Snapshot{NamespaceID: "ns-b"})
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindPermissionDenied, merr.Kind)

	got, err := b.CreatorInfo(&metadata.Snapshot{NamespaceID: "ns-a"})
	require.NoError(t, err)
	assert.Equal(t, creator, got)
}
