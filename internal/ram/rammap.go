// Package ram моделирует память гостевой системы: таблицу кадров с
// отметками последнего доступа и необязательный образ содержимого.
package ram

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/annel0/memreplay/internal/trace"
)

const (
	// FrameShift сдвиг адреса до номера кадра
	FrameShift = 12
	// FrameSize размер кадра в байтах
	FrameSize = 1 << FrameShift
)

// Frame отметки последнего доступа к кадру. 0 - доступа не было.
type Frame struct {
	LastWriteAccess uint64
	LastReadAccess  uint64
}

type frame struct {
	lastWrite atomic.Uint64
	lastRead  atomic.Uint64
}

// RamMap таблица кадров и образ памяти.
//
// Изменяет RamMap только поток воспроизведения. Отметки кадров, индекс и
// цикл читаются атомарно, поэтому отрисовка из других горутин безопасна.
// Образ памяти можно читать только когда воспроизведение приостановлено.
type RamMap struct {
	size   uint64
	frames []frame
	image  []byte

	index atomic.Uint64
	cycle atomic.Uint64
}

// New создает карту памяти размером size байт. При capture выделяется
// образ памяти, в который попадают данные записей.
func New(size uint64, capture bool) (*RamMap, error) {
	if size == 0 || size%FrameSize != 0 {
		return nil, fmt.Errorf("ram size %d is not a positive multiple of %d", size, FrameSize)
	}

	m := &RamMap{
		size:   size,
		frames: make([]frame, size>>FrameShift),
	}
	if capture {
		m.image = make([]byte, size)
	}
	return m, nil
}

// Size размер памяти в байтах
func (m *RamMap) Size() uint64 { return m.size }

// NumFrames число кадров
func (m *RamMap) NumFrames() int { return len(m.frames) }

// Index число примененных доступов
func (m *RamMap) Index() uint64 { return m.index.Load() }

// Cycle цикл последнего примененного доступа
func (m *RamMap) Cycle() uint64 { return m.cycle.Load() }

// Capturing сообщает, ведется ли образ памяти
func (m *RamMap) Capturing() bool { return m.image != nil }

// LastWriteAccess индекс последней записи в кадр
func (m *RamMap) LastWriteAccess(i int) uint64 { return m.frames[i].lastWrite.Load() }

// LastReadAccess индекс последнего чтения кадра
func (m *RamMap) LastReadAccess(i int) uint64 { return m.frames[i].lastRead.Load() }

// Frames возвращает копию таблицы кадров
func (m *RamMap) Frames() []Frame {
	out := make([]Frame, len(m.frames))
	for i := range m.frames {
		out[i] = Frame{
			LastWriteAccess: m.frames[i].lastWrite.Load(),
			LastReadAccess:  m.frames[i].lastRead.Load(),
		}
	}
	return out
}

// Image возвращает образ памяти или nil, если он не ведется
func (m *RamMap) Image() []byte { return m.image }

// ApplyMemoryAccess применяет доступ к памяти.
//
// Индекс растет на единицу при каждом вызове, в том числе для доступов за
// пределами памяти: такие доступы отбрасываются без ошибки. Ошибку
// возвращает только размер вне набора 1/2/4/8.
func (m *RamMap) ApplyMemoryAccess(cycle, address, data uint64, size uint32, read bool) error {
	if _, err := trace.SizeBucket(size); err != nil {
		return fmt.Errorf("access at 0x%x: %w (%d bytes)", address, err, size)
	}

	index := m.index.Add(1)
	m.cycle.Store(cycle)

	end := address + uint64(size)
	if end < address || end >= m.size {
		return nil
	}

	first := address >> FrameShift
	last := end >> FrameShift
	for f := first; f <= last; f++ {
		if read {
			m.frames[f].lastRead.Store(index)
		} else {
			m.frames[f].lastWrite.Store(index)
		}
	}

	if !read && m.image != nil {
		dst := m.image[address:end]
		switch size {
		case 1:
			dst[0] = byte(data)
		case 2:
			binary.LittleEndian.PutUint16(dst, uint16(data))
		case 4:
			binary.LittleEndian.PutUint32(dst, uint32(data))
		case 8:
			binary.LittleEndian.PutUint64(dst, data)
		}
	}
	return nil
}
