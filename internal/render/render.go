// Package render строит карту "горячих" областей памяти: каждый пиксель
// агрегирует несколько кадров и окрашивается по давности последней записи.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/annel0/memreplay/internal/ram"
)

// FadeMax число доступов, за которое кадр остывает до холодного цвета
const FadeMax = 0x4FFFFF

// MaxDimension ограничение на размер изображения по каждой оси
const MaxDimension = 16384

// MaxPixels ограничение на число пикселей (16 MiB в RGBA)
const MaxPixels = 1 << 22

var (
	// ColdColor кадр, в который давно не писали
	ColdColor = color.RGBA{R: 0xBB, G: 0xBB, B: 0xBB, A: 0xFF}
	// HotColor кадр, в который только что писали
	HotColor = color.RGBA{R: 0xE5, G: 0x14, B: 0x00, A: 0xFF}
	// BackgroundColor кадры без единой записи
	BackgroundColor = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	// ClearColor пиксели за концом памяти
	ClearColor = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xFF}
)

// ErrInvalidView некорректные параметры отображения
var ErrInvalidView = errors.New("render: invalid view")

// FrameSource источник отметок кадров. *ram.RamMap удовлетворяет ему.
type FrameSource interface {
	Index() uint64
	Size() uint64
	NumFrames() int
	LastWriteAccess(i int) uint64
}

// View параметры отображения
type View struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	StartAddress uint64 `json:"start_address"`
	// ZoomLevel число кадров в одном пикселе
	ZoomLevel uint32 `json:"zoom"`
}

// Validate проверяет параметры
func (v View) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Width > MaxDimension || v.Height > MaxDimension {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidView, v.Width, v.Height)
	}
	if v.Width*v.Height > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidView, v.Width, v.Height, MaxPixels)
	}
	if v.ZoomLevel == 0 {
		return fmt.Errorf("%w: zoom level must be positive", ErrInvalidView)
	}
	return nil
}

// Blend смешивает цвета: amount=1 дает c, amount=0 дает back
func Blend(c, back color.RGBA, amount float64) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(float64(a)*amount + float64(b)*(1-amount))
	}
	return color.RGBA{R: mix(c.R, back.R), G: mix(c.G, back.G), B: mix(c.B, back.B), A: 0xFF}
}

// Render строит изображение по текущему состоянию src. Функция не меняет
// src и не хранит состояние между вызовами.
func Render(src FrameSource, view View) (*image.RGBA, error) {
	if err := view.Validate(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, view.Width, view.Height))
	pix := img.Pix

	// Индекс читается до отметок кадров: отметки, обогнавшие его из-за
	// параллельного воспроизведения, считаются свежими
	index := src.Index()
	size := src.Size()
	numFrames := src.NumFrames()
	step := uint64(ram.FrameSize) * uint64(view.ZoomLevel)

	addr := view.StartAddress
	px := 0
	for ; px < len(pix) && addr < size; px += 4 {
		start := int(addr >> ram.FrameShift)

		var delta uint64
		var count uint64
		for i := 0; i < int(view.ZoomLevel) && start+i < numFrames; i++ {
			lw := src.LastWriteAccess(start + i)
			if lw == 0 {
				continue
			}
			if lw < index {
				delta += index - lw
			}
			count++
		}

		c := BackgroundColor
		if count > 0 {
			avg := delta / count
			if avg >= FadeMax {
				c = ColdColor
			} else {
				c = Blend(HotColor, ColdColor, float64(FadeMax-avg)/FadeMax)
			}
		}
		pix[px], pix[px+1], pix[px+2], pix[px+3] = c.R, c.G, c.B, c.A

		next := addr + step
		if next < addr {
			break
		}
		addr = next
	}

	for ; px < len(pix); px += 4 {
		pix[px], pix[px+1], pix[px+2], pix[px+3] = ClearColor.R, ClearColor.G, ClearColor.B, ClearColor.A
	}
	return img, nil
}
