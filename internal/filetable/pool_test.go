package filetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReturnsZeroedRecords(t *testing.T) {
	p := NewPool(0)

	f, err := p.Get()
	require.NoError(t, err)
	f.id = 7
	f.refs.Store(3)
	f.Private = "state"
	p.Put(f)

	g, err := p.Get()
	require.NoError(t, err)
	assert.Zero(t, g.ID())
	assert.Zero(t, g.Refs())
	assert.Nil(t, g.Private)
	assert.Equal(t, StateUncounted, g.State())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Allocated)
	assert.Equal(t, int64(1), stats.Freed)
	assert.Equal(t, int64(1), stats.InUse)
}

func TestPoolLimitExhaustion(t *testing.T) {
	p := NewPool(2)

	a, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	require.NoError(t, err)

	_, err = p.Get()
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(1), p.Stats().Failures)

	p.Put(a)
	_, err = p.Get()
	assert.NoError(t, err)
}
