// Package trace описывает записи трассы и их бинарные раскладки.
//
// Все преобразования "байты -> структура" собраны здесь: остальные пакеты
// получают записи как []byte и декодируют их только через функции Decode*.
// Раскладки little-endian, без выравнивания.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// CycleCountBits число бит счетчика циклов в начале временно упорядоченной записи
	CycleCountBits = 48
	// CycleCountMask маска счетчика циклов
	CycleCountMask = uint64(1)<<CycleCountBits - 1
	// InvalidCycleCount для записей без временного порядка
	InvalidCycleCount = ^uint64(0)

	// VariableEntrySizeFlag помечает потоки с записями переменной длины
	VariableEntrySizeFlag = uint32(0x80000000)
)

// Имена потоков, которые ищет движок воспроизведения
const (
	DefaultWriteStream = "mem_cpu_store_dphys"
	ScreenStream       = "screen"
	ScreenDataStream   = "screen_data"
	Cr3Stream          = "cpu_set_pagedirectory"
)

var (
	// ErrShortEntry запись короче своей раскладки
	ErrShortEntry = errors.New("trace: entry too short")
	// ErrInvalidAccessSize размер доступа вне набора 1/2/4/8 байт
	ErrInvalidAccessSize = errors.New("trace: invalid memory access size")
)

// StreamID идентификатор потока в хранилище
type StreamID uint32

// InvalidStreamID несуществующий поток
const InvalidStreamID = ^StreamID(0)

// Типы потоков. uuid.Nil означает "тип не проверяется".
var (
	// DataMemoryAccess64Type 64-битные записи доступа к памяти с данными
	DataMemoryAccess64Type = uuid.MustParse("6E943CDD-D2DA-4E83-984F-585C47EB0E36")
	// ScreenType снимки экрана
	ScreenType = uuid.MustParse("2B2C7D3A-5E0F-4A55-9B0B-8F1C7E6A4D21")
	// ScreenDataType пиксельные данные снимков (переменная длина)
	ScreenDataType = uuid.MustParse("9C4E1F6B-3A2D-4B8E-A7C5-1D0E2F3A4B5C")
	// Cr3SwitchType переключения каталога страниц
	Cr3SwitchType = uuid.MustParse("5F1A2B3C-4D5E-4F60-8172-93A4B5C6D7E8")
)

// StreamDescriptor описывает поток: имя, тип и размер записи
type StreamDescriptor struct {
	Name      string    `json:"name"`
	Type      uuid.UUID `json:"type"`
	EntrySize uint32    `json:"entry_size"`
	Temporal  bool      `json:"temporal"`
}

// IsVariable сообщает, что записи потока переменной длины
func (d StreamDescriptor) IsVariable() bool {
	return d.EntrySize&VariableEntrySizeFlag != 0
}

// Size возвращает размер записи (для переменных - подсказку размера)
func (d StreamDescriptor) Size() uint32 {
	return d.EntrySize &^ VariableEntrySizeFlag
}

// MakeVariableEntrySize кодирует размер переменной записи
func MakeVariableEntrySize(sizeHint uint32) uint32 {
	return sizeHint | VariableEntrySizeFlag
}

// Стандартные дескрипторы потоков
func MemoryWriteDescriptor(name string) StreamDescriptor {
	return StreamDescriptor{Name: name, Type: DataMemoryAccess64Type, EntrySize: MemoryAccessSize, Temporal: true}
}

func ScreenDescriptor() StreamDescriptor {
	return StreamDescriptor{Name: ScreenStream, Type: ScreenType, EntrySize: ScreenEntrySize, Temporal: true}
}

func ScreenDataDescriptor() StreamDescriptor {
	return StreamDescriptor{Name: ScreenDataStream, Type: ScreenDataType, EntrySize: MakeVariableEntrySize(0)}
}

func Cr3Descriptor() StreamDescriptor {
	return StreamDescriptor{Name: Cr3Stream, Type: Cr3SwitchType, EntrySize: Cr3EntrySize, Temporal: true}
}

// CycleOf извлекает счетчик циклов из первых 8 байт записи
func CycleOf(b []byte) (uint64, error) {
	if len(b) < 8 {
		return InvalidCycleCount, fmt.Errorf("%w: %d bytes, need 8 for cycle count", ErrShortEntry, len(b))
	}
	return binary.LittleEndian.Uint64(b) & CycleCountMask, nil
}

func need(b []byte, n int, what string) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortEntry, what, n, len(b))
	}
	return nil
}
