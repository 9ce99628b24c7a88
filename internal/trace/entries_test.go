package trace

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMemoryAccessLayout(t *testing.T) {
	b := make([]byte, MemoryAccessSize)
	// цикл 0x1234, fullSize сброшен, тег 5
	binary.LittleEndian.PutUint64(b[0:], 0x1234|uint64(5)<<49)
	binary.LittleEndian.PutUint64(b[8:], 0xCAFE)
	binary.LittleEndian.PutUint64(b[16:], 0x1000)
	// данные 0xAABBCCDD, размер 2^2 = 4 байта
	binary.LittleEndian.PutUint64(b[24:], 0xAABBCCDD|uint64(2)<<32)

	m, err := DecodeMemoryAccess(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), m.Cycle)
	assert.False(t, m.FullSize)
	assert.Equal(t, uint16(5), m.Tag)
	assert.Equal(t, uint64(0xCAFE), m.IP)
	assert.Equal(t, uint64(0x1000), m.Address)
	assert.Equal(t, uint64(0xAABBCCDD), m.Data)

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), size)
}

func TestFullSizeFlagMeansEightBytes(t *testing.T) {
	b := make([]byte, MemoryAccessSize)
	binary.LittleEndian.PutUint64(b[0:], 77|uint64(1)<<48)
	binary.LittleEndian.PutUint64(b[24:], 0x1122334455667788)

	m, err := DecodeMemoryAccess(b)
	require.NoError(t, err)
	assert.True(t, m.FullSize)
	assert.Equal(t, uint64(77), m.Cycle)
	assert.Equal(t, uint64(0x1122334455667788), m.Data)

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), size)
}

func TestInvalidSizeCode(t *testing.T) {
	m := MemoryAccess{SizeCode: 4}
	_, err := m.Size()
	assert.ErrorIs(t, err, ErrInvalidAccessSize)

	_, err = SizeBucket(3)
	assert.ErrorIs(t, err, ErrInvalidAccessSize)
}

func TestShortEntries(t *testing.T) {
	_, err := DecodeMemoryAccess(make([]byte, 31))
	assert.ErrorIs(t, err, ErrShortEntry)

	_, err = DecodeScreenEntry(make([]byte, 8))
	assert.ErrorIs(t, err, ErrShortEntry)

	_, err = DecodeCr3Entry(nil)
	assert.ErrorIs(t, err, ErrShortEntry)

	_, err = CycleOf([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortEntry)
}

func TestCycleCountIsMasked(t *testing.T) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ^uint64(0))

	cycle, err := CycleOf(b)
	require.NoError(t, err)
	assert.Equal(t, CycleCountMask, cycle)
}

func TestNewMemoryWriteRoundTrip(t *testing.T) {
	for _, size := range []uint32{1, 2, 4, 8} {
		w, err := NewMemoryWrite(10, 0x2000, 0xFFFFFFFFFFFFFFFF, size)
		require.NoError(t, err)

		decoded, err := DecodeMemoryAccess(w.Encode())
		require.NoError(t, err)

		got, err := decoded.Size()
		require.NoError(t, err)
		assert.Equal(t, size, got)
		assert.Equal(t, uint64(0x2000), decoded.Address)
		if size < 8 {
			assert.Equal(t, uint64(1)<<(8*size)-1, decoded.Data)
		}
	}
}

func TestScreenAndCr3Entries(t *testing.T) {
	s := ScreenEntry{Cycle: 9, Width: 640, Height: 480, Reference: 3}
	got, err := DecodeScreenEntry(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, uint64(640*480*4), got.PixelBytes())

	c := Cr3Entry{Cycle: 11, Cr3: 0x1000}
	gotCr3, err := DecodeCr3Entry(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, gotCr3)
}

func TestDescriptors(t *testing.T) {
	assert.True(t, ScreenDataDescriptor().IsVariable())
	assert.False(t, MemoryWriteDescriptor(DefaultWriteStream).IsVariable())
	assert.Equal(t, uint32(MemoryAccessSize), MemoryWriteDescriptor("x").Size())
}
