package render

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
)

// Bitmap хранит параметры отображения и последнее построенное изображение
// для одного потребителя (HTTP, терминал, сохранение в файл).
type Bitmap struct {
	src FrameSource

	mu   sync.Mutex
	view View
	img  *image.RGBA
}

// NewBitmap создает карту без размеров, масштаб 1 кадр на пиксель
func NewBitmap(src FrameSource) *Bitmap {
	return &Bitmap{src: src, view: View{ZoomLevel: 1}}
}

// View возвращает текущие параметры
func (b *Bitmap) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// SetBounds меняет размер и перестраивает изображение.
// Нулевой размер освобождает изображение.
func (b *Bitmap) SetBounds(width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.view.Width, b.view.Height = width, height
	b.img = nil
	if width <= 0 || height <= 0 {
		return nil
	}
	return b.refreshLocked()
}

// SetStart задает начальный адрес
func (b *Bitmap) SetStart(address uint64) {
	b.mu.Lock()
	b.view.StartAddress = address
	b.mu.Unlock()
}

// SetZoom задает число кадров на пиксель
func (b *Bitmap) SetZoom(zoom uint32) error {
	if zoom == 0 {
		return fmt.Errorf("%w: zoom level must be positive", ErrInvalidView)
	}
	b.mu.Lock()
	b.view.ZoomLevel = zoom
	b.mu.Unlock()
	return nil
}

// Refresh перестраивает изображение целиком
func (b *Bitmap) Refresh() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked()
}

func (b *Bitmap) refreshLocked() error {
	img, err := Render(b.src, b.view)
	if err != nil {
		return err
	}
	b.img = img
	return nil
}

// Image возвращает копию последнего изображения или nil
func (b *Bitmap) Image() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.img == nil {
		return nil
	}
	clone := *b.img
	clone.Pix = append([]uint8(nil), b.img.Pix...)
	return &clone
}

// EncodePNG пишет последнее изображение в формате PNG
func (b *Bitmap) EncodePNG(w io.Writer) error {
	img := b.Image()
	if img == nil {
		return fmt.Errorf("%w: bitmap has no bounds", ErrInvalidView)
	}
	return png.Encode(w, img)
}

// Save сохраняет изображение, формат определяется расширением (.png, .bmp)
func (b *Bitmap) Save(filename string) error {
	img := b.Image()
	if img == nil {
		return fmt.Errorf("%w: bitmap has no bounds", ErrInvalidView)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".png" && ext != ".bmp" {
		return fmt.Errorf("unsupported image format %q", ext)
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}

	if ext == ".bmp" {
		err = bmp.Encode(f, img)
	} else {
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return f.Close()
}
