package render

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/annel0/memreplay/internal/ram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrames struct {
	index  uint64
	writes []uint64
}

func (f *fakeFrames) Index() uint64                { return f.index }
func (f *fakeFrames) Size() uint64                 { return uint64(len(f.writes)) * ram.FrameSize }
func (f *fakeFrames) NumFrames() int               { return len(f.writes) }
func (f *fakeFrames) LastWriteAccess(i int) uint64 { return f.writes[i] }

func pixel(t *testing.T, src FrameSource, view View, x int) color.RGBA {
	t.Helper()
	img, err := Render(src, view)
	require.NoError(t, err)
	return img.RGBAAt(x, 0)
}

func TestColdWhiteHot(t *testing.T) {
	index := uint64(3 * FadeMax)
	src := &fakeFrames{index: index, writes: []uint64{index - 2*FadeMax, 0, index}}
	view := View{Width: 3, Height: 1, ZoomLevel: 1}

	assert.Equal(t, ColdColor, pixel(t, src, view, 0))
	assert.Equal(t, BackgroundColor, pixel(t, src, view, 1))
	assert.Equal(t, HotColor, pixel(t, src, view, 2))
}

func TestHalfFadedBlend(t *testing.T) {
	index := uint64(FadeMax)
	src := &fakeFrames{index: index, writes: []uint64{index - FadeMax/2}}

	c := pixel(t, src, View{Width: 1, Height: 1, ZoomLevel: 1}, 0)
	assert.InDelta(t, 208, int(c.R), 1)
	assert.InDelta(t, 103, int(c.G), 1)
	assert.InDelta(t, 93, int(c.B), 1)
	assert.Equal(t, uint8(0xFF), c.A)
}

func TestZoomAveragesWrittenFramesOnly(t *testing.T) {
	index := uint64(100)
	src := &fakeFrames{index: index, writes: []uint64{index, 0, 0, 0}}

	view := View{Width: 2, Height: 1, ZoomLevel: 2}
	assert.Equal(t, HotColor, pixel(t, src, view, 0))
	assert.Equal(t, BackgroundColor, pixel(t, src, view, 1))
}

func TestPixelsPastEndOfRamAreCleared(t *testing.T) {
	src := &fakeFrames{index: 1, writes: []uint64{1, 1, 1}}

	img, err := Render(src, View{Width: 4, Height: 2, ZoomLevel: 2})
	require.NoError(t, err)
	assert.Equal(t, HotColor, img.RGBAAt(0, 0))
	// второй пиксель агрегирует кадр 2 и несуществующий кадр 3
	assert.Equal(t, HotColor, img.RGBAAt(1, 0))
	assert.Equal(t, ClearColor, img.RGBAAt(2, 0))
	assert.Equal(t, ClearColor, img.RGBAAt(3, 1))
}

func TestStartAddress(t *testing.T) {
	src := &fakeFrames{index: 10, writes: []uint64{0, 10}}
	view := View{Width: 1, Height: 1, ZoomLevel: 1, StartAddress: ram.FrameSize}
	assert.Equal(t, HotColor, pixel(t, src, view, 0))

	view.StartAddress = 1 << 40
	assert.Equal(t, ClearColor, pixel(t, src, view, 0))
}

func TestRenderIsIdempotent(t *testing.T) {
	m, err := ram.New(64*ram.FrameSize, false)
	require.NoError(t, err)
	for i := uint64(0); i < 500; i++ {
		require.NoError(t, m.ApplyMemoryAccess(i, (i*7919)%(60*ram.FrameSize), i, 4, false))
	}

	view := View{Width: 8, Height: 8, ZoomLevel: 1}
	a, err := Render(m, view)
	require.NoError(t, err)
	b, err := Render(m, view)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestInvalidView(t *testing.T) {
	src := &fakeFrames{writes: []uint64{0}}
	for _, v := range []View{
		{Width: 0, Height: 1, ZoomLevel: 1},
		{Width: 1, Height: -1, ZoomLevel: 1},
		{Width: 1, Height: 1, ZoomLevel: 0},
		{Width: MaxDimension + 1, Height: 1, ZoomLevel: 1},
		{Width: MaxDimension, Height: MaxDimension, ZoomLevel: 1},
		{Width: 4096, Height: 1025, ZoomLevel: 1},
	} {
		_, err := Render(src, v)
		assert.ErrorIs(t, err, ErrInvalidView)
	}

	assert.NoError(t, View{Width: 4096, Height: 1024, ZoomLevel: 1}.Validate())
}

func TestBitmapSave(t *testing.T) {
	src := &fakeFrames{index: 5, writes: []uint64{5, 0, 1}}
	bm := NewBitmap(src)

	assert.Nil(t, bm.Image())
	assert.ErrorIs(t, bm.EncodePNG(&bytes.Buffer{}), ErrInvalidView)

	require.NoError(t, bm.SetBounds(4, 4))
	assert.ErrorIs(t, bm.SetZoom(0), ErrInvalidView)
	require.NoError(t, bm.SetZoom(1))
	require.NoError(t, bm.Refresh())

	var buf bytes.Buffer
	require.NoError(t, bm.EncodePNG(&buf))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())

	dir := t.TempDir()
	require.NoError(t, bm.Save(filepath.Join(dir, "ram.png")))
	require.NoError(t, bm.Save(filepath.Join(dir, "ram.bmp")))
	assert.Error(t, bm.Save(filepath.Join(dir, "ram.gif")))

	st, err := os.Stat(filepath.Join(dir, "ram.bmp"))
	require.NoError(t, err)
	assert.NotZero(t, st.Size())

	// копия не разделяет буфер
	img := bm.Image()
	img.Pix[0] = 0
	assert.NotEqual(t, img.Pix[0], bm.Image().Pix[0])
}
