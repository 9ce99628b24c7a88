package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/trace"
	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
)

// SegmentEntries число записей фиксированного потока в одном сегменте
const SegmentEntries = 4096

// Раскладка ключей:
//
//	s/<id>          - метаданные потока (JSON)
//	e/<id>/<seg>    - сегмент записей, сжатый zstd
//	v/<id>/<ref>    - данные переменной длины, сжатые zstd
const (
	streamPrefix  = "s/"
	segmentPrefix = "e/"
	blobPrefix    = "v/"
)

func streamKey(id trace.StreamID) []byte {
	return []byte(fmt.Sprintf("%s%08x", streamPrefix, uint32(id)))
}

func segmentKey(id trace.StreamID, seg uint64) []byte {
	return []byte(fmt.Sprintf("%s%08x/%016x", segmentPrefix, uint32(id), seg))
}

func blobKey(id trace.StreamID, ref uint64) []byte {
	return []byte(fmt.Sprintf("%s%08x/%016x", blobPrefix, uint32(id), ref))
}

// streamMeta сохраняемые метаданные потока
type streamMeta struct {
	Info     StreamInfo `json:"info"`
	Segments uint64     `json:"segments"`
	Blobs    uint64     `json:"blobs"`
}

// BadgerStore хранилище трасс поверх BadgerDB.
// Записи фиксированных потоков накапливаются в сегменты по SegmentEntries
// штук и сохраняются сжатыми; читатели видят только сброшенные сегменты.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *logging.Logger

	mu      sync.RWMutex
	metas   []*streamMeta
	pending map[trace.StreamID][]byte
	closed  bool
}

// OpenBadgerStore открывает (или создает) хранилище в каталоге path
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", path, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}

	bs := &BadgerStore{
		db:      db,
		dbPath:  path,
		encoder: encoder,
		decoder: decoder,
		logger:  logging.Default(),
		pending: make(map[trace.StreamID][]byte),
	}

	if err := bs.loadCatalog(); err != nil {
		bs.closeResources()
		return nil, err
	}

	bs.logger.Debug("Trace store %s opened, %d streams", path, len(bs.metas))
	return bs, nil
}

// SetLogger заменяет логгер хранилища
func (bs *BadgerStore) SetLogger(logger *logging.Logger) {
	bs.logger = logger
}

func (bs *BadgerStore) loadCatalog() error {
	return bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(streamPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta streamMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("failed to read stream catalog: %w", err)
			}
			if int(meta.Info.ID) != len(bs.metas) {
				return fmt.Errorf("stream catalog is inconsistent at id %d", meta.Info.ID)
			}
			bs.metas = append(bs.metas, &meta)
		}
		return nil
	})
}

func (bs *BadgerStore) saveMeta(txn *badger.Txn, meta *streamMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(streamKey(meta.Info.ID), data)
}

func (bs *BadgerStore) meta(id trace.StreamID) (*streamMeta, error) {
	if bs.closed {
		return nil, ErrClosed
	}
	if int(id) >= len(bs.metas) {
		return nil, fmt.Errorf("%w: id %d", ErrStreamNotFound, id)
	}
	return bs.metas[id], nil
}

// RegisterStream регистрирует новый поток
func (bs *BadgerStore) RegisterStream(ctx context.Context, desc trace.StreamDescriptor) (trace.StreamID, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.closed {
		return trace.InvalidStreamID, ErrClosed
	}
	for _, m := range bs.metas {
		if m.Info.Descriptor.Name == desc.Name {
			return trace.InvalidStreamID, fmt.Errorf("%w: %q", ErrStreamExists, desc.Name)
		}
	}

	meta := &streamMeta{Info: StreamInfo{ID: trace.StreamID(len(bs.metas)), Descriptor: desc}}
	if err := bs.db.Update(func(txn *badger.Txn) error { return bs.saveMeta(txn, meta) }); err != nil {
		return trace.InvalidStreamID, fmt.Errorf("failed to register stream %q: %w", desc.Name, err)
	}

	bs.metas = append(bs.metas, meta)
	return meta.Info.ID, nil
}

// Append добавляет запись в фиксированный поток
func (bs *BadgerStore) Append(id trace.StreamID, entry []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	meta, err := bs.meta(id)
	if err != nil {
		return err
	}
	if err := checkEntry(meta.Info.Descriptor, entry); err != nil {
		return err
	}

	buf := append(bs.pending[id], entry...)
	bs.pending[id] = buf
	if len(buf) >= SegmentEntries*int(meta.Info.Descriptor.Size()) {
		return bs.flushSegment(meta)
	}
	return nil
}

// flushSegment сохраняет накопленные записи потока как новый сегмент
func (bs *BadgerStore) flushSegment(meta *streamMeta) error {
	id := meta.Info.ID
	buf := bs.pending[id]
	if len(buf) == 0 {
		return nil
	}

	compressed := bs.encoder.EncodeAll(buf, nil)
	updated := *meta
	updated.Info.EntryCount += uint64(len(buf)) / uint64(meta.Info.Descriptor.Size())
	updated.Info.RawSize += uint64(len(buf))
	updated.Info.CompressedSize += uint64(len(compressed))
	updated.Segments++

	err := bs.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(segmentKey(id, meta.Segments), compressed); err != nil {
			return err
		}
		return bs.saveMeta(txn, &updated)
	})
	if err != nil {
		return fmt.Errorf("failed to store segment %d of stream %q: %w", meta.Segments, meta.Info.Descriptor.Name, err)
	}

	*meta = updated
	delete(bs.pending, id)
	return nil
}

// AppendVariable добавляет данные переменной длины
func (bs *BadgerStore) AppendVariable(id trace.StreamID, data []byte) (uint64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	meta, err := bs.meta(id)
	if err != nil {
		return 0, err
	}
	if !meta.Info.Descriptor.IsVariable() {
		return 0, ErrNotVariable
	}

	compressed := bs.encoder.EncodeAll(data, nil)
	ref := meta.Blobs
	updated := *meta
	updated.Info.EntryCount++
	updated.Info.RawSize += uint64(len(data))
	updated.Info.CompressedSize += uint64(len(compressed))
	updated.Blobs++

	err = bs.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(id, ref), compressed); err != nil {
			return err
		}
		return bs.saveMeta(txn, &updated)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store variable data of stream %q: %w", meta.Info.Descriptor.Name, err)
	}

	*meta = updated
	return ref, nil
}

// Flush сбрасывает неполные сегменты всех потоков
func (bs *BadgerStore) Flush() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.closed {
		return ErrClosed
	}
	return bs.flushAll()
}

func (bs *BadgerStore) flushAll() error {
	for id := range bs.pending {
		if err := bs.flushSegment(bs.metas[id]); err != nil {
			return err
		}
	}
	return nil
}

// FindStream ищет поток по имени
func (bs *BadgerStore) FindStream(ctx context.Context, name string) (StreamInfo, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if bs.closed {
		return StreamInfo{}, ErrClosed
	}
	for _, m := range bs.metas {
		if m.Info.Descriptor.Name == name {
			return m.Info, nil
		}
	}
	return StreamInfo{}, fmt.Errorf("%w: %q", ErrStreamNotFound, name)
}

// Streams возвращает все потоки хранилища
func (bs *BadgerStore) Streams(ctx context.Context) ([]StreamInfo, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if bs.closed {
		return nil, ErrClosed
	}
	infos := make([]StreamInfo, 0, len(bs.metas))
	for _, m := range bs.metas {
		infos = append(infos, m.Info)
	}
	return infos, nil
}

// Open открывает поток для последовательного чтения
func (bs *BadgerStore) Open(ctx context.Context, id trace.StreamID, startSequence uint64) (Handle, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	meta, err := bs.meta(id)
	if err != nil {
		return nil, err
	}

	h := &badgerHandle{
		store:    bs,
		id:       id,
		desc:     meta.Info.Descriptor,
		segments: meta.Segments,
	}
	if !h.desc.IsVariable() {
		h.skip = startSequence
	}
	return h, nil
}

// Close сбрасывает сегменты и закрывает базу
func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.closed {
		return nil
	}
	flushErr := bs.flushAll()
	bs.closed = true

	if err := bs.closeResources(); err != nil {
		return err
	}
	return flushErr
}

func (bs *BadgerStore) closeResources() error {
	bs.decoder.Close()
	if err := bs.encoder.Close(); err != nil {
		bs.logger.Warn("zstd encoder close: %v", err)
	}
	return bs.db.Close()
}

func (bs *BadgerStore) load(key []byte) ([]byte, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if bs.closed {
		return nil, ErrClosed
	}

	var compressed []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return bs.decoder.DecodeAll(compressed, nil)
}

// badgerHandle читает поток по одному сегменту за раз
type badgerHandle struct {
	store    *BadgerStore
	id       trace.StreamID
	desc     trace.StreamDescriptor
	segments uint64

	segment uint64
	skip    uint64
	buf     []byte
	off     int
	closed  bool
}

func (h *badgerHandle) Next() ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if h.desc.IsVariable() {
		return nil, ErrNotFixed
	}

	size := int(h.desc.Size())
	for {
		for h.off+size > len(h.buf) {
			if h.segment >= h.segments {
				return nil, io.EOF
			}

			buf, err := h.store.load(segmentKey(h.id, h.segment))
			if err != nil {
				return nil, fmt.Errorf("failed to load segment %d of stream %q: %w", h.segment, h.desc.Name, err)
			}
			if len(buf)%size != 0 {
				return nil, fmt.Errorf("%w: segment %d of stream %q has %d bytes", ErrEntrySize, h.segment, h.desc.Name, len(buf))
			}

			h.buf = buf
			h.off = 0
			h.segment++
		}

		entry := h.buf[h.off : h.off+size]
		h.off += size

		// Сегменты могут быть неполными после Flush, поэтому начальная
		// позиция отсчитывается по записям, а не арифметикой сегментов
		if h.skip > 0 {
			h.skip--
			continue
		}
		return entry, nil
	}
}

func (h *badgerHandle) ReadVariableData(ref uint64) ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if !h.desc.IsVariable() {
		return nil, ErrNotVariable
	}

	data, err := h.store.load(blobKey(h.id, ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrReferenceNotFound, ref)
	}
	return data, err
}

func (h *badgerHandle) Close() error {
	h.closed = true
	h.buf = nil
	return nil
}
