package ram

import (
	"testing"

	"github.com/annel0/memreplay/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSpanningTwoFrames(t *testing.T) {
	m, err := New(8192, true)
	require.NoError(t, err)
	require.Equal(t, 2, m.NumFrames())

	require.NoError(t, m.ApplyMemoryAccess(100, 0, 0xDEADBEEF, 4, false))
	assert.Equal(t, uint64(1), m.Index())
	assert.Equal(t, uint64(1), m.LastWriteAccess(0))
	assert.Equal(t, uint64(0), m.LastWriteAccess(1))

	require.NoError(t, m.ApplyMemoryAccess(101, 4092, 0x1122334455667788, 8, false))
	assert.Equal(t, uint64(2), m.Index())
	assert.Equal(t, uint64(101), m.Cycle())
	assert.Equal(t, uint64(2), m.LastWriteAccess(0))
	assert.Equal(t, uint64(2), m.LastWriteAccess(1))

	img := m.Image()
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, img[0:4])
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, img[4092:4100])
}

func TestReadsDoNotTouchImageOrWriteIndex(t *testing.T) {
	m, err := New(8192, true)
	require.NoError(t, err)

	require.NoError(t, m.ApplyMemoryAccess(1, 16, 0xFF, 1, true))
	assert.Equal(t, uint64(1), m.LastReadAccess(0))
	assert.Equal(t, uint64(0), m.LastWriteAccess(0))
	assert.Equal(t, byte(0), m.Image()[16])
}

func TestOutOfRangeAccessOnlyAdvancesIndex(t *testing.T) {
	m, err := New(8192, true)
	require.NoError(t, err)
	before := m.Frames()

	// address + size == RamSize тоже отбрасывается
	require.NoError(t, m.ApplyMemoryAccess(1, 8188, 0xFFFFFFFF, 4, false))
	require.NoError(t, m.ApplyMemoryAccess(2, 1<<40, 1, 8, false))
	// переполнение address + size
	require.NoError(t, m.ApplyMemoryAccess(3, ^uint64(0)-2, 1, 4, false))

	assert.Equal(t, uint64(3), m.Index())
	assert.Equal(t, before, m.Frames())
	for _, b := range m.Image() {
		require.Zero(t, b)
	}
}

func TestInvalidSizeIsFatal(t *testing.T) {
	m, err := New(8192, false)
	require.NoError(t, err)

	err = m.ApplyMemoryAccess(1, 0, 0, 3, false)
	assert.ErrorIs(t, err, trace.ErrInvalidAccessSize)
	assert.Equal(t, uint64(0), m.Index())
}

func TestWithoutCapture(t *testing.T) {
	m, err := New(FrameSize*4, false)
	require.NoError(t, err)
	assert.False(t, m.Capturing())
	assert.Nil(t, m.Image())

	require.NoError(t, m.ApplyMemoryAccess(1, FrameSize*3, 7, 2, false))
	assert.Equal(t, uint64(1), m.LastWriteAccess(3))
}

func TestInvalidRamSize(t *testing.T) {
	_, err := New(0, false)
	assert.Error(t, err)
	_, err = New(FrameSize+1, false)
	assert.Error(t, err)
}
