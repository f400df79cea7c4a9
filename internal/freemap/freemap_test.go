package freemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/sectorfs/internal/domain"
)

func TestNewExcludesSectorZero(t *testing.T) {
	m := New(16)
	assert.Equal(t, uint64(15), m.Free())
	assert.False(t, m.IsFree(0))
	assert.True(t, m.IsFree(1))
	assert.Equal(t, domain.Sector(16), m.Size())
}

func TestAllocateLowestFirst(t *testing.T) {
	m := New(16)
	m.Reserve(1, 2)

	s, err := m.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, domain.Sector(3), s)
	assert.False(t, m.IsFree(3))

	s, err = m.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, domain.Sector(4), s)
}

func TestAllocateRun(t *testing.T) {
	m := New(32)
	m.Reserve(3, 7)

	s, err := m.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, domain.Sector(8), s)
	for i := domain.Sector(8); i < 12; i++ {
		assert.False(t, m.IsFree(i))
	}

	_, err = m.Allocate(40)
	assert.ErrorIs(t, err, domain.ErrAllocationExhausted)
	_, err = m.Allocate(0)
	assert.Error(t, err)
}

func TestAllocateExhausted(t *testing.T) {
	m := New(4)
	for i := 0; i < 3; i++ {
		_, err := m.Allocate(1)
		require.NoError(t, err)
	}
	_, err := m.Allocate(1)
	assert.ErrorIs(t, err, domain.ErrAllocationExhausted)

	// Fragmented free space cannot satisfy a run.
	m = New(8)
	m.Reserve(2, 4, 6)
	_, err = m.Allocate(2)
	assert.ErrorIs(t, err, domain.ErrAllocationExhausted)
}

func TestRelease(t *testing.T) {
	m := New(16)
	s, err := m.Allocate(3)
	require.NoError(t, err)
	free := m.Free()

	require.NoError(t, m.Release(s, 3))
	assert.Equal(t, free+3, m.Free())

	assert.ErrorIs(t, m.Release(s, 1), domain.ErrDoubleFree)
	assert.ErrorIs(t, m.Release(0, 1), domain.ErrInvalidOffset)
	assert.ErrorIs(t, m.Release(15, 2), domain.ErrInvalidOffset)
	assert.ErrorIs(t, m.Release(5, 0), domain.ErrInvalidOffset)
	assert.Equal(t, free+3, m.Free())
}

func TestMarshalRoundTrip(t *testing.T) {
	m := New(1000)
	m.Reserve(1)
	for i := 0; i < 50; i++ {
		_, err := m.Allocate(1)
		require.NoError(t, err)
	}
	require.NoError(t, m.Release(20, 5))

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var got Map
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, m.Free(), got.Free())
	assert.Equal(t, m.Size(), got.Size())
	for s := domain.Sector(0); s < 1000; s++ {
		assert.Equal(t, m.IsFree(s), got.IsFree(s), "sector %d", s)
	}
}

func TestUnmarshalRejectsCorrupt(t *testing.T) {
	var m Map
	assert.ErrorIs(t, m.UnmarshalBinary([]byte{1, 2}), domain.ErrCorrupted)

	data, err := New(10).MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, m.UnmarshalBinary(data[:len(data)-1]), domain.ErrCorrupted)

	// A device size smaller than the largest free sector.
	data[0] = 5
	assert.ErrorIs(t, m.UnmarshalBinary(data), domain.ErrCorrupted)
}
