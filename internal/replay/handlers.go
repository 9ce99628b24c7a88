package replay

import (
	"fmt"
	"image"

	"github.com/annel0/memreplay/internal/multiplex"
	"github.com/annel0/memreplay/internal/trace"
)

// applyWrite применяет запись в память
func (r *Replay) applyWrite(e multiplex.Entry) error {
	access, err := trace.DecodeMemoryAccess(e.Data)
	if err != nil {
		return err
	}
	size, err := access.Size()
	if err != nil {
		return err
	}
	bucket, err := trace.SizeBucket(size)
	if err != nil {
		return err
	}

	if err := r.ram.ApplyMemoryAccess(r.cycle, access.Address, access.Data, size, false); err != nil {
		return err
	}
	r.numWrites[bucket]++
	return nil
}

// applyScreen заменяет текущий снимок экрана
func (r *Replay) applyScreen(e multiplex.Entry) error {
	entry, err := trace.DecodeScreenEntry(e.Data)
	if err != nil {
		return err
	}

	data, err := r.screenData.ReadVariableData(entry.Reference)
	if err != nil {
		return fmt.Errorf("failed to read screen %d: %w", entry.Reference, err)
	}
	if uint64(len(data)) != entry.PixelBytes() {
		return fmt.Errorf("screen %d is %dx%d but has %d bytes of pixel data",
			entry.Reference, entry.Width, entry.Height, len(data))
	}

	img := image.NewRGBA(image.Rect(0, 0, int(entry.Width), int(entry.Height)))
	// Пиксели хранятся как 32-битные 0x00RRGGBB little-endian
	for i := 0; i+3 < len(data); i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 0xFF
	}

	r.screenMu.Lock()
	r.screen = img
	r.screenMu.Unlock()
	return nil
}

// applyCr3 запоминает новый каталог страниц
func (r *Replay) applyCr3(e multiplex.Entry) error {
	entry, err := trace.DecodeCr3Entry(e.Data)
	if err != nil {
		return err
	}
	r.cr3 = entry.Cr3
	r.numCr3Switches++
	return nil
}
