package trace

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// MemoryAccessSize размер DataMemoryAccess64
	MemoryAccessSize = 32
	// ScreenEntrySize размер записи снимка экрана
	ScreenEntrySize = 24
	// Cr3EntrySize размер записи переключения CR3
	Cr3EntrySize = 16

	fullSizeBit = uint64(1) << CycleCountBits
	tagShift    = CycleCountBits + 1
)

// MemoryAccess 64-битная запись доступа к памяти с данными.
//
// Метаданные: биты 0-47 счетчик циклов, бит 48 fullSize, биты 49-63 тег.
// Без fullSize младшие 32 бита data - значение, старшие 32 - log2(размера).
// С fullSize доступ 8-байтный и все 64 бита - данные.
type MemoryAccess struct {
	Cycle    uint64
	FullSize bool
	Tag      uint16
	IP       uint64
	Address  uint64
	Data     uint64
	SizeCode uint32
}

// DecodeMemoryAccess разбирает DataMemoryAccess64
func DecodeMemoryAccess(b []byte) (MemoryAccess, error) {
	if err := need(b, MemoryAccessSize, "memory access"); err != nil {
		return MemoryAccess{}, err
	}

	meta := binary.LittleEndian.Uint64(b[0:])
	m := MemoryAccess{
		Cycle:    meta & CycleCountMask,
		FullSize: meta&fullSizeBit != 0,
		Tag:      uint16(meta >> tagShift),
		IP:       binary.LittleEndian.Uint64(b[8:]),
		Address:  binary.LittleEndian.Uint64(b[16:]),
	}

	raw := binary.LittleEndian.Uint64(b[24:])
	if m.FullSize {
		m.Data = raw
	} else {
		m.Data = raw & 0xFFFFFFFF
		m.SizeCode = uint32(raw >> 32)
	}
	return m, nil
}

// Size возвращает размер доступа в байтах
func (m MemoryAccess) Size() (uint32, error) {
	if m.FullSize {
		return 8, nil
	}
	if m.SizeCode > 3 {
		return 0, fmt.Errorf("%w: size code %d", ErrInvalidAccessSize, m.SizeCode)
	}
	return 1 << m.SizeCode, nil
}

// Encode кодирует запись обратно в 32 байта
func (m MemoryAccess) Encode() []byte {
	b := make([]byte, MemoryAccessSize)

	meta := m.Cycle&CycleCountMask | uint64(m.Tag)<<tagShift
	if m.FullSize {
		meta |= fullSizeBit
	}
	binary.LittleEndian.PutUint64(b[0:], meta)
	binary.LittleEndian.PutUint64(b[8:], m.IP)
	binary.LittleEndian.PutUint64(b[16:], m.Address)

	data := m.Data
	if !m.FullSize {
		data = m.Data&0xFFFFFFFF | uint64(m.SizeCode)<<32
	}
	binary.LittleEndian.PutUint64(b[24:], data)
	return b
}

// NewMemoryWrite строит запись записи в память размером size (1, 2, 4, 8)
func NewMemoryWrite(cycle, address, data uint64, size uint32) (MemoryAccess, error) {
	bucket, err := SizeBucket(size)
	if err != nil {
		return MemoryAccess{}, err
	}
	m := MemoryAccess{Cycle: cycle & CycleCountMask, Address: address}
	if bucket == 3 {
		m.FullSize = true
		m.Data = data
	} else {
		m.SizeCode = uint32(bucket)
		m.Data = data & (uint64(1)<<(8*size) - 1)
	}
	return m, nil
}

// SizeBucket переводит размер в байтах в индекс корзины 0..3
func SizeBucket(size uint32) (int, error) {
	switch size {
	case 1, 2, 4, 8:
		return bits.TrailingZeros32(size), nil
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrInvalidAccessSize, size)
}

// ScreenEntry ссылка на снимок экрана в потоке screen_data
type ScreenEntry struct {
	Cycle     uint64
	Width     uint32
	Height    uint32
	Reference uint64
}

// DecodeScreenEntry разбирает запись снимка экрана
func DecodeScreenEntry(b []byte) (ScreenEntry, error) {
	if err := need(b, ScreenEntrySize, "screen entry"); err != nil {
		return ScreenEntry{}, err
	}
	return ScreenEntry{
		Cycle:     binary.LittleEndian.Uint64(b[0:]) & CycleCountMask,
		Width:     binary.LittleEndian.Uint32(b[8:]),
		Height:    binary.LittleEndian.Uint32(b[12:]),
		Reference: binary.LittleEndian.Uint64(b[16:]),
	}, nil
}

// PixelBytes размер пиксельных данных снимка (32 bpp)
func (s ScreenEntry) PixelBytes() uint64 {
	return uint64(s.Width) * uint64(s.Height) * 4
}

// Encode кодирует запись снимка экрана
func (s ScreenEntry) Encode() []byte {
	b := make([]byte, ScreenEntrySize)
	binary.LittleEndian.PutUint64(b[0:], s.Cycle&CycleCountMask)
	binary.LittleEndian.PutUint32(b[8:], s.Width)
	binary.LittleEndian.PutUint32(b[12:], s.Height)
	binary.LittleEndian.PutUint64(b[16:], s.Reference)
	return b
}

// Cr3Entry переключение каталога страниц
type Cr3Entry struct {
	Cycle uint64
	Cr3   uint64
}

// DecodeCr3Entry разбирает запись переключения CR3
func DecodeCr3Entry(b []byte) (Cr3Entry, error) {
	if err := need(b, Cr3EntrySize, "cr3 entry"); err != nil {
		return Cr3Entry{}, err
	}
	return Cr3Entry{
		Cycle: binary.LittleEndian.Uint64(b[0:]) & CycleCountMask,
		Cr3:   binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// Encode кодирует запись переключения CR3
func (c Cr3Entry) Encode() []byte {
	b := make([]byte, Cr3EntrySize)
	binary.LittleEndian.PutUint64(b[0:], c.Cycle&CycleCountMask)
	binary.LittleEndian.PutUint64(b[8:], c.Cr3)
	return b
}
