package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/annel0/memreplay/internal/trace"
)

type memoryStream struct {
	info    StreamInfo
	entries [][]byte
	blobs   [][]byte
}

// MemoryStore хранилище трасс в памяти (тесты, генератор)
type MemoryStore struct {
	mu      sync.RWMutex
	streams []*memoryStream
	closed  bool
}

// NewMemoryStore создает пустое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RegisterStream регистрирует новый поток
func (ms *MemoryStore) RegisterStream(ctx context.Context, desc trace.StreamDescriptor) (trace.StreamID, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return trace.InvalidStreamID, ErrClosed
	}
	for _, s := range ms.streams {
		if s.info.Descriptor.Name == desc.Name {
			return trace.InvalidStreamID, fmt.Errorf("%w: %q", ErrStreamExists, desc.Name)
		}
	}

	id := trace.StreamID(len(ms.streams))
	ms.streams = append(ms.streams, &memoryStream{
		info: StreamInfo{ID: id, Descriptor: desc},
	})
	return id, nil
}

func (ms *MemoryStore) stream(id trace.StreamID) (*memoryStream, error) {
	if ms.closed {
		return nil, ErrClosed
	}
	if int(id) >= len(ms.streams) {
		return nil, fmt.Errorf("%w: id %d", ErrStreamNotFound, id)
	}
	return ms.streams[id], nil
}

// Append добавляет запись в фиксированный поток
func (ms *MemoryStore) Append(id trace.StreamID, entry []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s, err := ms.stream(id)
	if err != nil {
		return err
	}
	if err := checkEntry(s.info.Descriptor, entry); err != nil {
		return err
	}

	s.entries = append(s.entries, append([]byte(nil), entry...))
	s.info.EntryCount++
	s.info.RawSize += uint64(len(entry))
	s.info.CompressedSize += uint64(len(entry))
	return nil
}

// AppendVariable добавляет данные переменной длины и возвращает ссылку на них
func (ms *MemoryStore) AppendVariable(id trace.StreamID, data []byte) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s, err := ms.stream(id)
	if err != nil {
		return 0, err
	}
	if !s.info.Descriptor.IsVariable() {
		return 0, ErrNotVariable
	}

	ref := uint64(len(s.blobs))
	s.blobs = append(s.blobs, append([]byte(nil), data...))
	s.info.EntryCount++
	s.info.RawSize += uint64(len(data))
	s.info.CompressedSize += uint64(len(data))
	return ref, nil
}

// Flush ничего не делает: записи видны сразу
func (ms *MemoryStore) Flush() error { return nil }

// FindStream ищет поток по имени
func (ms *MemoryStore) FindStream(ctx context.Context, name string) (StreamInfo, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return StreamInfo{}, ErrClosed
	}
	for _, s := range ms.streams {
		if s.info.Descriptor.Name == name {
			return s.info, nil
		}
	}
	return StreamInfo{}, fmt.Errorf("%w: %q", ErrStreamNotFound, name)
}

// Streams возвращает все потоки
func (ms *MemoryStore) Streams(ctx context.Context) ([]StreamInfo, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil, ErrClosed
	}
	infos := make([]StreamInfo, 0, len(ms.streams))
	for _, s := range ms.streams {
		infos = append(infos, s.info)
	}
	return infos, nil
}

// Open открывает поток для чтения
func (ms *MemoryStore) Open(ctx context.Context, id trace.StreamID, startSequence uint64) (Handle, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	s, err := ms.stream(id)
	if err != nil {
		return nil, err
	}
	return &memoryHandle{store: ms, stream: s, pos: startSequence}, nil
}

// Close закрывает хранилище
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

type memoryHandle struct {
	store  *MemoryStore
	stream *memoryStream
	pos    uint64
	closed bool
}

func (h *memoryHandle) Next() ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if h.stream.info.Descriptor.IsVariable() {
		return nil, ErrNotFixed
	}

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	if h.pos >= uint64(len(h.stream.entries)) {
		return nil, io.EOF
	}
	entry := h.stream.entries[h.pos]
	h.pos++
	return entry, nil
}

func (h *memoryHandle) ReadVariableData(ref uint64) ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if !h.stream.info.Descriptor.IsVariable() {
		return nil, ErrNotVariable
	}

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	if ref >= uint64(len(h.stream.blobs)) {
		return nil, fmt.Errorf("%w: %d", ErrReferenceNotFound, ref)
	}
	return append([]byte(nil), h.stream.blobs[ref]...), nil
}

func (h *memoryHandle) Close() error {
	h.closed = true
	return nil
}
