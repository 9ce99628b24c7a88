package replay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/annel0/memreplay/internal/eventbus"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/annel0/memreplay/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type traceBuilder struct {
	t     *testing.T
	store *storage.MemoryStore
}

func newTraceBuilder(t *testing.T) *traceBuilder {
	return &traceBuilder{t: t, store: storage.NewMemoryStore()}
}

func (b *traceBuilder) writes(entries ...[]byte) *traceBuilder {
	id, err := b.store.RegisterStream(context.Background(), trace.MemoryWriteDescriptor(trace.DefaultWriteStream))
	require.NoError(b.t, err)
	for _, e := range entries {
		require.NoError(b.t, b.store.Append(id, e))
	}
	return b
}

func (b *traceBuilder) cr3(entries ...trace.Cr3Entry) *traceBuilder {
	id, err := b.store.RegisterStream(context.Background(), trace.Cr3Descriptor())
	require.NoError(b.t, err)
	for _, e := range entries {
		require.NoError(b.t, b.store.Append(id, e.Encode()))
	}
	return b
}

// screen добавляет снимок 2x1: красный и синий пиксели
func (b *traceBuilder) screen(cycle uint64) *traceBuilder {
	ctx := context.Background()
	sid, err := b.store.RegisterStream(ctx, trace.ScreenDescriptor())
	require.NoError(b.t, err)
	did, err := b.store.RegisterStream(ctx, trace.ScreenDataDescriptor())
	require.NoError(b.t, err)

	pixels := make([]byte, 8)
	binary.LittleEndian.PutUint32(pixels[0:], 0x00FF0000)
	binary.LittleEndian.PutUint32(pixels[4:], 0x000000FF)
	ref, err := b.store.AppendVariable(did, pixels)
	require.NoError(b.t, err)
	require.NoError(b.t, b.store.Append(sid, trace.ScreenEntry{Cycle: cycle, Width: 2, Height: 1, Reference: ref}.Encode()))
	return b
}

func write(t *testing.T, cycle, address, data uint64, size uint32) []byte {
	t.Helper()
	w, err := trace.NewMemoryWrite(cycle, address, data, size)
	require.NoError(t, err)
	return w.Encode()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RamSize = 16 * ram.FrameSize
	cfg.SuspendPoll = 5 * time.Millisecond
	cfg.Source = "test"
	return cfg
}

func open(t *testing.T, store storage.Store, opts ...Option) *Replay {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	r, err := New(context.Background(), store, testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func waitDone(t *testing.T, r *Replay) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestMissingWriteStreamIsConfigurationError(t *testing.T) {
	b := newTraceBuilder(t).cr3(trace.Cr3Entry{Cycle: 1, Cr3: 1})

	_, err := New(context.Background(), b.store, testConfig(), WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestWriteStreamTypeMismatch(t *testing.T) {
	store := storage.NewMemoryStore()
	desc := trace.MemoryWriteDescriptor(trace.DefaultWriteStream)
	desc.Type = trace.Cr3SwitchType
	_, err := store.RegisterStream(context.Background(), desc)
	require.NoError(t, err)

	_, err = New(context.Background(), store, testConfig(), WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFullReplay(t *testing.T) {
	b := newTraceBuilder(t).
		writes(
			write(t, 1, 0, 0xAB, 1),
			write(t, 4, ram.FrameSize, 0xBEEF, 2),
			write(t, 6, 2*ram.FrameSize, 0xDEADBEEF, 4),
			write(t, 8, 3*ram.FrameSize, 0x0102030405060708, 8),
		).
		cr3(trace.Cr3Entry{Cycle: 2, Cr3: 0x1000}, trace.Cr3Entry{Cycle: 7, Cr3: 0x2000}).
		screen(5)

	r := open(t, b.store)
	assert.Equal(t, []string{trace.DefaultWriteStream, trace.ScreenStream, trace.Cr3Stream}, r.Streams())
	assert.Equal(t, Suspended, r.State())
	assert.Nil(t, r.Screen())

	require.NoError(t, r.Start())
	waitDone(t, r)

	stats := r.Stats()
	assert.Equal(t, Done, stats.State)
	assert.True(t, r.IsDone())
	assert.Equal(t, uint64(7), stats.Index)
	assert.Equal(t, uint64(4), stats.AccessIndex)
	assert.Equal(t, uint64(8), stats.Cycle)
	assert.Equal(t, [4]uint64{1, 1, 1, 1}, stats.NumWrites)
	assert.Equal(t, uint64(4), stats.TotalWrites())
	assert.Equal(t, uint64(2), r.NumCr3Switches())
	assert.Equal(t, uint64(0x2000), r.Cr3())
	assert.GreaterOrEqual(t, r.ReplayTime(), time.Duration(0))

	m := r.RamMap()
	for frame := 0; frame < 4; frame++ {
		assert.Equal(t, uint64(frame+1), m.LastWriteAccess(frame))
	}
	assert.Equal(t, byte(0xAB), m.Image()[0])
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(m.Image()[2*ram.FrameSize:]))

	screen := r.Screen()
	require.NotNil(t, screen)
	assert.Equal(t, []uint8{0xFF, 0, 0, 0xFF, 0, 0, 0xFF, 0xFF}, screen.Pix)

	img, err := r.Render(context.Background(), render.View{Width: 4, Height: 1, ZoomLevel: 1})
	require.NoError(t, err)
	assert.Equal(t, render.HotColor, img.RGBAAt(3, 0))

	_, err = r.Render(context.Background(), render.View{Width: 4, Height: 1})
	assert.ErrorIs(t, err, render.ErrInvalidView)

	info := r.WriteStreamInfo()
	assert.Equal(t, uint64(4), info.EntryCount)
}

func TestStateMachine(t *testing.T) {
	b := newTraceBuilder(t).writes(write(t, 1, 0, 1, 4), write(t, 2, 0, 2, 4))
	r := open(t, b.store)

	// До запуска пауза недопустима
	assert.ErrorIs(t, r.Suspend(), ErrInvalidOperation)
	assert.Equal(t, Suspended, r.State())

	r.Stop()
	assert.Equal(t, Done, r.State())
	assert.ErrorIs(t, r.Start(), ErrInvalidOperation)
	assert.ErrorIs(t, r.SingleStep(), ErrInvalidOperation)
	assert.ErrorIs(t, r.Suspend(), ErrInvalidOperation)

	r.Stop()
	assert.Equal(t, Done, r.State())
	select {
	case <-r.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("replay goroutine did not finish after Stop")
	}
	waitDone(t, r)
	assert.Equal(t, uint64(0), r.Index())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, st := range []State{Suspended, Running, Done} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}

	var st State
	assert.Error(t, st.UnmarshalText([]byte("paused")))

	data, err := json.Marshal(Statistics{State: Running, Index: 7, NumWrites: [4]uint64{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"running"`)

	var stats Statistics
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, Running, stats.State)
	assert.Equal(t, uint64(7), stats.Index)
	assert.Equal(t, uint64(10), stats.TotalWrites())
}

func TestSingleStep(t *testing.T) {
	b := newTraceBuilder(t).
		writes(write(t, 1, 0, 1, 4), write(t, 3, 0, 2, 4)).
		cr3(trace.Cr3Entry{Cycle: 2, Cr3: 0x3000})
	r := open(t, b.store)

	require.NoError(t, r.SingleStep())
	require.Eventually(t, func() bool {
		return r.State() == Suspended && r.Index() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), r.Cycle())
	assert.ErrorIs(t, r.Suspend(), ErrInvalidOperation)

	require.NoError(t, r.SingleStep())
	require.Eventually(t, func() bool {
		return r.State() == Suspended && r.Index() == 2
	}, 2*time.Second, time.Millisecond)
	// Вторая по циклу запись - переключение CR3
	assert.Equal(t, uint64(1), r.NumCr3Switches())
	assert.Equal(t, uint64(2), r.Cycle())

	require.NoError(t, r.Start())
	waitDone(t, r)
	assert.Equal(t, uint64(3), r.Index())
	assert.Equal(t, [4]uint64{0, 0, 2, 0}, r.NumWrites())
}

func TestSuspendAccumulatesTime(t *testing.T) {
	b := newTraceBuilder(t).writes(write(t, 1, 0, 1, 4), write(t, 2, 0, 2, 4))
	r := open(t, b.store)

	require.NoError(t, r.SingleStep())
	require.Eventually(t, func() bool {
		return r.State() == Suspended && r.Index() == 1
	}, 2*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	paused := r.ReplayTime()
	time.Sleep(50 * time.Millisecond)
	// Во время паузы время воспроизведения не растет
	assert.InDelta(t, float64(paused), float64(r.ReplayTime()), float64(5*time.Millisecond))

	require.NoError(t, r.Start())
	waitDone(t, r)
	assert.GreaterOrEqual(t, r.Stats().SuspendTime, 90*time.Millisecond)
	assert.Less(t, r.ReplayTime(), 90*time.Millisecond)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (rc *recorder) handle(ctx context.Context, ev *eventbus.Envelope) {
	rc.mu.Lock()
	rc.events = append(rc.events, ev.EventType)
	rc.mu.Unlock()
}

func (rc *recorder) has(eventType string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, e := range rc.events {
		if e == eventType {
			return true
		}
	}
	return false
}

// saturatedBus ведет себя как переполненная шина: низкий приоритет отбрасывается
type saturatedBus struct {
	mu        sync.Mutex
	delivered map[string]int
	dropped   int
}

func (b *saturatedBus) Publish(ctx context.Context, ev *eventbus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Priority < 5 {
		b.dropped++
		return nil
	}
	if b.delivered == nil {
		b.delivered = make(map[string]int)
	}
	b.delivered[ev.EventType] = ev.Priority
	return nil
}

func (b *saturatedBus) Subscribe(ctx context.Context, f eventbus.Filter, h eventbus.Handler) (eventbus.Subscription, error) {
	return nil, nil
}

func (b *saturatedBus) Metrics() eventbus.Stats { return eventbus.Stats{} }

func (b *saturatedBus) Close() error { return nil }

func TestDoneEventSurvivesSaturatedBus(t *testing.T) {
	b := newTraceBuilder(t).writes(write(t, 1, 0, 1, 4), write(t, 2, 0, 2, 4))
	bus := &saturatedBus{}

	r := open(t, b.store, WithEventBus(bus))
	require.NoError(t, r.Start())
	waitDone(t, r)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.GreaterOrEqual(t, bus.delivered[eventbus.EventReplayDone], 5)
	assert.NotContains(t, bus.delivered, eventbus.EventReplayStarted)
	assert.Equal(t, 1, bus.dropped)
}

func TestCorruptEntryEndsReplay(t *testing.T) {
	bad := write(t, 2, 0, 1, 4)
	// код размера 7 вне набора 1/2/4/8
	binary.LittleEndian.PutUint32(bad[28:], 7)

	b := newTraceBuilder(t).writes(write(t, 1, 0, 1, 4), bad, write(t, 3, 0, 1, 4))

	bus := eventbus.NewMemoryBus(16)
	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{}, rec.handle)
	require.NoError(t, err)

	r := open(t, b.store, WithEventBus(bus))
	require.NoError(t, r.Start())
	waitDone(t, r)

	assert.True(t, r.IsDone())
	assert.Equal(t, uint64(2), r.Index())
	assert.Equal(t, uint64(2), r.Cycle())
	assert.Equal(t, uint64(1), r.RamMap().Index())

	require.NoError(t, bus.Close())
	assert.True(t, rec.has(eventbus.EventReplayStarted))
	assert.True(t, rec.has(eventbus.EventReplayFailed))
}

func TestMissingScreenDataBlobEndsReplay(t *testing.T) {
	ctx := context.Background()
	b := newTraceBuilder(t).writes(write(t, 1, 0, 1, 4))
	sid, err := b.store.RegisterStream(ctx, trace.ScreenDescriptor())
	require.NoError(t, err)
	_, err = b.store.RegisterStream(ctx, trace.ScreenDataDescriptor())
	require.NoError(t, err)
	require.NoError(t, b.store.Append(sid, trace.ScreenEntry{Cycle: 2, Width: 1, Height: 1, Reference: 99}.Encode()))

	r := open(t, b.store)
	require.NoError(t, r.Start())
	waitDone(t, r)

	assert.Equal(t, uint64(2), r.Index())
	assert.Nil(t, r.Screen())
}

func TestOptionalStreamsAbsent(t *testing.T) {
	b := newTraceBuilder(t).writes(write(t, 1, 0x100, 1, 4))
	r := open(t, b.store)

	assert.Equal(t, []string{trace.DefaultWriteStream}, r.Streams())
	require.NoError(t, r.Start())
	waitDone(t, r)
	assert.Equal(t, uint64(1), r.Index())
	assert.Nil(t, r.Screen())
	assert.Zero(t, r.NumCr3Switches())
}

func TestOutOfRangeWritesContinue(t *testing.T) {
	b := newTraceBuilder(t).writes(
		write(t, 1, 1<<40, 1, 4),
		write(t, 2, 0, 1, 4),
	)
	r := open(t, b.store)
	require.NoError(t, r.Start())
	waitDone(t, r)

	assert.Equal(t, uint64(2), r.Index())
	assert.Equal(t, uint64(2), r.RamMap().LastWriteAccess(0))
	assert.Equal(t, [4]uint64{0, 0, 2, 0}, r.NumWrites())
}
