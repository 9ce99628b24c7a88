// Package storage содержит хранилище трасс: каталог потоков, последовательное
// чтение записей и чтение данных переменной длины по ссылке.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/annel0/memreplay/internal/trace"
)

var (
	ErrStreamNotFound    = errors.New("storage: stream not found")
	ErrStreamExists      = errors.New("storage: stream already registered")
	ErrNotVariable       = errors.New("storage: stream has fixed-size entries")
	ErrNotFixed          = errors.New("storage: stream has variable-size entries")
	ErrEntrySize         = errors.New("storage: entry size does not match stream type")
	ErrReferenceNotFound = errors.New("storage: variable data reference not found")
	ErrClosed            = errors.New("storage: closed")
)

// StreamInfo описывает поток и его статистику
type StreamInfo struct {
	ID             trace.StreamID         `json:"id"`
	Descriptor     trace.StreamDescriptor `json:"descriptor"`
	EntryCount     uint64                 `json:"entry_count"`
	RawSize        uint64                 `json:"raw_size"`
	CompressedSize uint64                 `json:"compressed_size"`
}

// Store интерфейс хранилища трасс, из которого читает движок воспроизведения
type Store interface {
	// FindStream ищет поток по имени. Возвращает ErrStreamNotFound если потока нет.
	FindStream(ctx context.Context, name string) (StreamInfo, error)

	// Streams возвращает все потоки хранилища в порядке регистрации
	Streams(ctx context.Context) ([]StreamInfo, error)

	// Open открывает поток для последовательного чтения начиная с записи startSequence
	Open(ctx context.Context, id trace.StreamID, startSequence uint64) (Handle, error)

	// Close закрывает хранилище
	Close() error
}

// Handle дескриптор чтения одного потока
type Handle interface {
	// Next возвращает следующую запись фиксированного потока или io.EOF.
	// Срез действителен как минимум до следующего вызова Next.
	Next() ([]byte, error)

	// ReadVariableData читает данные переменной длины по ссылке
	ReadVariableData(ref uint64) ([]byte, error)

	// Close освобождает дескриптор
	Close() error
}

// Recorder сторона записи хранилища (генератор трасс, тесты, импорт)
type Recorder interface {
	RegisterStream(ctx context.Context, desc trace.StreamDescriptor) (trace.StreamID, error)
	Append(id trace.StreamID, entry []byte) error
	AppendVariable(id trace.StreamID, data []byte) (uint64, error)
	Flush() error
}

// Backend хранилище с доступом на чтение и запись
type Backend interface {
	Store
	Recorder
}

// OpenStore открывает хранилище name на сервере server.
//
//	local:<dir>  - BadgerDB в каталоге <dir>/<name>
//	memory:      - пустое хранилище в памяти
func OpenStore(server, name string) (Backend, error) {
	scheme, path, found := strings.Cut(server, ":")
	if !found {
		return nil, fmt.Errorf("invalid server specification %q, expected <scheme>:<path>", server)
	}

	switch scheme {
	case "local":
		if name == "" {
			return nil, fmt.Errorf("store name expected")
		}
		return OpenBadgerStore(filepath.Join(path, name))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func checkEntry(desc trace.StreamDescriptor, entry []byte) error {
	if desc.IsVariable() {
		return ErrNotFixed
	}
	if uint32(len(entry)) != desc.Size() {
		return fmt.Errorf("%w: stream %q expects %d bytes, got %d", ErrEntrySize, desc.Name, desc.Size(), len(entry))
	}
	return nil
}
