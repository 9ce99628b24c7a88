// Package synth пишет синтетические трассы: записи в память вокруг горячих
// областей, которые медленно дрейфуют по шуму Перлина, плюс снимки экрана
// и переключения CR3.
package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/annel0/memreplay/internal/trace"
	"github.com/aquilax/go-perlin"
)

// Options параметры генератора
type Options struct {
	WriteStream string
	RamSize     uint64
	Writes      int
	// Hotspots число горячих областей
	Hotspots int
	// Spread разброс адресов вокруг центра области, в кадрах
	Spread int
	// Drift скорость дрейфа: сдвиг аргумента шума на одну запись
	Drift float64
	Seed  int64
	// CyclesPerWrite шаг счетчика циклов между записями
	CyclesPerWrite uint64
	// ScreenEvery снимок экрана каждые N записей, 0 = без экрана
	ScreenEvery  int
	ScreenWidth  int
	ScreenHeight int
	// Cr3Every переключение CR3 каждые N записей, 0 = без CR3
	Cr3Every int
}

// DefaultOptions 64 MiB памяти, 4 горячие области
func DefaultOptions() Options {
	return Options{
		WriteStream:    trace.DefaultWriteStream,
		RamSize:        64 << 20,
		Writes:         100000,
		Hotspots:       4,
		Spread:         16,
		Drift:          0.0005,
		Seed:           1,
		CyclesPerWrite: 10,
		ScreenWidth:    64,
		ScreenHeight:   48,
	}
}

// Summary что было записано
type Summary struct {
	Writes      int    `json:"writes"`
	Screens     int    `json:"screens"`
	Cr3Switches int    `json:"cr3_switches"`
	LastCycle   uint64 `json:"last_cycle"`
}

func (o *Options) validate() error {
	if o.WriteStream == "" {
		return errors.New("write stream name expected")
	}
	if o.RamSize < ram.FrameSize || o.RamSize%ram.FrameSize != 0 {
		return fmt.Errorf("ram size %d must be a positive multiple of %d", o.RamSize, ram.FrameSize)
	}
	if o.Writes < 0 {
		return errors.New("writes must not be negative")
	}
	if o.Hotspots <= 0 {
		o.Hotspots = 1
	}
	if o.Spread <= 0 {
		o.Spread = 1
	}
	if o.CyclesPerWrite == 0 {
		o.CyclesPerWrite = 1
	}
	if o.ScreenEvery > 0 && (o.ScreenWidth <= 0 || o.ScreenHeight <= 0) {
		return errors.New("screen size must be positive")
	}
	return nil
}

// Generate пишет трассу в rec. Один и тот же Seed дает одну и ту же трассу.
func Generate(ctx context.Context, rec storage.Recorder, opts Options) (Summary, error) {
	var sum Summary
	if err := opts.validate(); err != nil {
		return sum, err
	}

	g := &generator{
		opts:   opts,
		rec:    rec,
		noise:  perlin.NewPerlin(2, 2, 3, opts.Seed),
		rnd:    rand.New(rand.NewSource(opts.Seed)),
		frames: int64(opts.RamSize / ram.FrameSize),
	}
	if err := g.register(ctx); err != nil {
		return sum, err
	}

	for i := 0; i < opts.Writes; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		cycle := uint64(i+1) * opts.CyclesPerWrite

		if opts.Cr3Every > 0 && i%opts.Cr3Every == 0 {
			cr3 := uint64(sum.Cr3Switches%4+1) << ram.FrameShift
			if err := rec.Append(g.cr3ID, trace.Cr3Entry{Cycle: cycle, Cr3: cr3}.Encode()); err != nil {
				return sum, fmt.Errorf("failed to append cr3: %w", err)
			}
			sum.Cr3Switches++
		}

		if err := g.write(i, cycle); err != nil {
			return sum, err
		}
		sum.Writes++
		sum.LastCycle = cycle

		if opts.ScreenEvery > 0 && (i+1)%opts.ScreenEvery == 0 {
			if err := g.screen(i, cycle); err != nil {
				return sum, err
			}
			sum.Screens++
		}
	}

	if err := rec.Flush(); err != nil {
		return sum, fmt.Errorf("failed to flush trace: %w", err)
	}
	logging.Info("🧪 Синтетическая трасса: %d записей, %d снимков, %d CR3", sum.Writes, sum.Screens, sum.Cr3Switches)
	return sum, nil
}

type generator struct {
	opts   Options
	rec    storage.Recorder
	noise  *perlin.Perlin
	rnd    *rand.Rand
	frames int64

	writeID, screenID, screenDataID, cr3ID trace.StreamID
}

func (g *generator) register(ctx context.Context) error {
	var err error
	if g.writeID, err = g.rec.RegisterStream(ctx, trace.MemoryWriteDescriptor(g.opts.WriteStream)); err != nil {
		return fmt.Errorf("failed to register write stream: %w", err)
	}
	if g.opts.ScreenEvery > 0 {
		if g.screenID, err = g.rec.RegisterStream(ctx, trace.ScreenDescriptor()); err != nil {
			return fmt.Errorf("failed to register screen stream: %w", err)
		}
		if g.screenDataID, err = g.rec.RegisterStream(ctx, trace.ScreenDataDescriptor()); err != nil {
			return fmt.Errorf("failed to register screen data stream: %w", err)
		}
	}
	if g.opts.Cr3Every > 0 {
		if g.cr3ID, err = g.rec.RegisterStream(ctx, trace.Cr3Descriptor()); err != nil {
			return fmt.Errorf("failed to register cr3 stream: %w", err)
		}
	}
	return nil
}

// unit шум Перлина в диапазоне [0, 1]
func (g *generator) unit(x, y float64) float64 {
	v := (g.noise.Noise2D(x, y) + 1) / 2
	return math.Max(0, math.Min(1, v))
}

func (g *generator) write(i int, cycle uint64) error {
	hot := i % g.opts.Hotspots
	t := float64(i) * g.opts.Drift
	center := int64(g.unit(float64(hot)*7.31+0.5, t) * float64(g.frames-1))

	frame := center + g.rnd.Int63n(int64(2*g.opts.Spread+1)) - int64(g.opts.Spread)
	if frame < 0 {
		frame = 0
	}
	if frame >= g.frames {
		frame = g.frames - 1
	}

	size := uint32(1) << g.rnd.Intn(4)
	offset := uint64(g.rnd.Int63n(int64(ram.FrameSize-uint64(size)+1))) &^ uint64(size-1)
	address := uint64(frame)*ram.FrameSize + offset

	w, err := trace.NewMemoryWrite(cycle, address, g.rnd.Uint64(), size)
	if err != nil {
		return err
	}
	if err := g.rec.Append(g.writeID, w.Encode()); err != nil {
		return fmt.Errorf("failed to append write %d: %w", i, err)
	}
	return nil
}

// screen рисует поле шума в формате BGRX
func (g *generator) screen(i int, cycle uint64) error {
	w, h := g.opts.ScreenWidth, g.opts.ScreenHeight
	pixels := make([]byte, w*h*4)
	t := float64(i) * g.opts.Drift
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint32(g.unit(float64(x)/16+t, float64(y)/16) * 255)
			binary.LittleEndian.PutUint32(pixels[(y*w+x)*4:], v<<16|(255-v)<<8|v/2)
		}
	}

	ref, err := g.rec.AppendVariable(g.screenDataID, pixels)
	if err != nil {
		return fmt.Errorf("failed to append screen data: %w", err)
	}
	entry := trace.ScreenEntry{Cycle: cycle, Width: uint32(w), Height: uint32(h), Reference: ref}
	if err := g.rec.Append(g.screenID, entry.Encode()); err != nil {
		return fmt.Errorf("failed to append screen: %w", err)
	}
	return nil
}
