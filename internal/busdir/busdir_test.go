package busdir

import (
	"testing"

	"github.com/kbusd/kbusd/internal/dispatch"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenLookupByName(t *testing.T) {
	d := dispatch.New(nil)
	b, err := bus.New("1000-test.bus", "default", 1000, model.DefaultBloom, nil, nil, d.Hooks())
	require.NoError(t, err)
	d.Attach(b)
	t.Cleanup(b.Shutdown)

	dir := New()
	_, ok := dir.Lookup("1000-test.bus")
	assert.False(t, ok)

	dir.Register(b)
	got, ok := dir.Lookup("1000-test.bus")
	require.True(t, ok)
	assert.Same(t, b, got)
}
