package replay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/memreplay/internal/eventbus"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/multiplex"
	"github.com/annel0/memreplay/internal/ram"
	"github.com/annel0/memreplay/internal/render"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/annel0/memreplay/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/annel0/memreplay/internal/replay"

const publishTimeout = time.Second

// eventPriority завершающие события публикуются с приоритетом >= 5,
// их шина не отбрасывает при переполнении
func eventPriority(eventType string) int {
	switch eventType {
	case eventbus.EventReplayFailed:
		return 9
	case eventbus.EventReplayDone:
		return 7
	default:
		return 1
	}
}

// handlerFunc применяет запись одного потока
type handlerFunc func(e multiplex.Entry) error

// Option настраивает Replay
type Option func(*Replay)

// WithLogger задает логгер
func WithLogger(logger *logging.Logger) Option {
	return func(r *Replay) { r.logger = logger }
}

// WithEventBus включает публикацию переходов состояния в шину
func WithEventBus(bus eventbus.EventBus) Option {
	return func(r *Replay) { r.events = bus }
}

// Replay воспроизведение одной трассы.
//
// Записи применяет единственная горутина, созданная в New и запускаемая
// первым Start или SingleStep. Управляющие методы и чтение статистики
// безопасны из любых горутин.
type Replay struct {
	cfg    Config
	logger *logging.Logger
	events eventbus.EventBus

	writeInfo storage.StreamInfo
	streams   []string
	handles   []storage.Handle
	mux       *multiplex.Multiplexer
	handlers  []handlerFunc
	ram       *ram.RamMap

	screenData storage.Handle
	screenMu   sync.Mutex
	screen     *image.RGBA

	state      atomic.Int32
	singleStep atomic.Bool
	snapshot   atomic.Pointer[Statistics]

	beginOnce sync.Once
	begin     chan struct{}
	wake      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Поля ниже принадлежат горутине воспроизведения
	index          uint64
	cycle          uint64
	numWrites      [4]uint64
	numCr3Switches uint64
	cr3            uint64
	startTime      time.Time
	suspendTime    time.Duration
}

// New находит потоки в хранилище, открывает их и готовит воспроизведение.
// Поток записей в память обязателен; потоки снимков экрана и CR3 необязательны.
func New(ctx context.Context, store storage.Store, cfg Config, opts ...Option) (_ *Replay, err error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	r := &Replay{
		cfg:      cfg,
		logger:   logging.Default(),
		begin:    make(chan struct{}),
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "replay.Open")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.closeHandles()
		}
		span.End()
	}()

	inputs, err := r.openStreams(ctx, store)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("replay.write_stream", cfg.WriteStream),
		attribute.Int64("replay.write_entries", int64(r.writeInfo.EntryCount)),
		attribute.Int("replay.inputs", len(inputs)),
	)

	r.mux, err = multiplex.New(cfg.Rule, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	r.logger.Info("🧠 Configuring ram size for replay %d MiB", cfg.RamSize>>20)
	r.ram, err = ram.New(cfg.RamSize, cfg.CaptureData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	r.snapshot.Store(&Statistics{})
	go r.run()
	return r, nil
}

// openStreams ищет потоки и собирает входы мультиплексора с их обработчиками
func (r *Replay) openStreams(ctx context.Context, store storage.Store) ([]multiplex.Input, error) {
	var inputs []multiplex.Input

	add := func(info storage.StreamInfo, h handlerFunc) error {
		handle, err := store.Open(ctx, info.ID, 0)
		if err != nil {
			return fmt.Errorf("failed to open stream %q: %w", info.Descriptor.Name, err)
		}
		r.handles = append(r.handles, handle)
		r.streams = append(r.streams, info.Descriptor.Name)
		r.handlers = append(r.handlers, h)
		inputs = append(inputs, multiplex.Input{
			ID:       info.ID,
			Name:     info.Descriptor.Name,
			Source:   handle,
			Temporal: info.Descriptor.Temporal,
		})
		return nil
	}

	r.logger.Info("📼 Using memory write stream '%s'", r.cfg.WriteStream)
	write, err := store.FindStream(ctx, r.cfg.WriteStream)
	if errors.Is(err, storage.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: could not find memory stream %q", ErrConfiguration, r.cfg.WriteStream)
	}
	if err != nil {
		return nil, err
	}
	if write.Descriptor.Type != trace.DataMemoryAccess64Type {
		return nil, fmt.Errorf("%w: expected type %s for stream %q, but found %s",
			ErrConfiguration, trace.DataMemoryAccess64Type, write.Descriptor.Name, write.Descriptor.Type)
	}
	if err := expectFixed(write, trace.MemoryAccessSize); err != nil {
		return nil, err
	}
	r.writeInfo = write
	if err := add(write, r.applyWrite); err != nil {
		return nil, err
	}

	screen, screenOK, err := findOptional(ctx, store, trace.ScreenStream)
	if err != nil {
		return nil, err
	}
	screenData, dataOK, err := findOptional(ctx, store, trace.ScreenDataStream)
	if err != nil {
		return nil, err
	}
	if screenOK && dataOK {
		if err := expectFixed(screen, trace.ScreenEntrySize); err != nil {
			return nil, err
		}
		if !screenData.Descriptor.IsVariable() {
			return nil, fmt.Errorf("%w: stream %q must have variable-size entries", ErrConfiguration, screenData.Descriptor.Name)
		}
		r.screenData, err = store.Open(ctx, screenData.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open stream %q: %w", screenData.Descriptor.Name, err)
		}
		if err := add(screen, r.applyScreen); err != nil {
			return nil, err
		}
		r.logger.Info("🖥️ Screen streams found")
	} else {
		r.logger.Info("Screen streams not found. Screen output not available")
	}

	cr3, cr3OK, err := findOptional(ctx, store, trace.Cr3Stream)
	if err != nil {
		return nil, err
	}
	if cr3OK {
		if err := expectFixed(cr3, trace.Cr3EntrySize); err != nil {
			return nil, err
		}
		if err := add(cr3, r.applyCr3); err != nil {
			return nil, err
		}
		r.logger.Info("📑 Page directory set stream found")
	} else {
		r.logger.Info("Page directory set stream not found")
	}

	return inputs, nil
}

func findOptional(ctx context.Context, store storage.Store, name string) (storage.StreamInfo, bool, error) {
	info, err := store.FindStream(ctx, name)
	if errors.Is(err, storage.ErrStreamNotFound) {
		return storage.StreamInfo{}, false, nil
	}
	if err != nil {
		return storage.StreamInfo{}, false, err
	}
	return info, true, nil
}

func expectFixed(info storage.StreamInfo, minSize uint32) error {
	d := info.Descriptor
	if d.IsVariable() || d.Size() < minSize {
		return fmt.Errorf("%w: stream %q has entry size %d, expected at least %d fixed", ErrConfiguration, d.Name, d.Size(), minSize)
	}
	return nil
}

func (r *Replay) closeHandles() error {
	var errs []error
	for _, h := range r.handles {
		errs = append(errs, h.Close())
	}
	if r.screenData != nil {
		errs = append(errs, r.screenData.Close())
	}
	r.handles = nil
	r.screenData = nil
	return errors.Join(errs...)
}

//================ Управление =================//

// Start запускает или продолжает воспроизведение
func (r *Replay) Start() error {
	return r.resume(false)
}

// SingleStep применяет ровно одну запись и приостанавливает воспроизведение
func (r *Replay) SingleStep() error {
	return r.resume(true)
}

func (r *Replay) resume(single bool) error {
	var prev State
	for {
		prev = State(r.state.Load())
		if prev == Done {
			return fmt.Errorf("%w: replay is done", ErrInvalidOperation)
		}
		r.singleStep.Store(single)
		if r.state.CompareAndSwap(int32(prev), int32(Running)) {
			break
		}
	}

	first := false
	r.beginOnce.Do(func() {
		first = true
		close(r.begin)
	})
	r.signal()

	switch {
	case first:
		r.emit(eventbus.EventReplayStarted, Running, "")
	case prev == Suspended:
		r.emit(eventbus.EventReplayResumed, Running, "")
	}
	return nil
}

// Suspend приостанавливает воспроизведение. Допустимо только из Running.
func (r *Replay) Suspend() error {
	if !r.state.CompareAndSwap(int32(Running), int32(Suspended)) {
		return fmt.Errorf("%w: cannot suspend %s replay", ErrInvalidOperation, r.State())
	}
	r.signal()
	return nil
}

// Stop завершает воспроизведение. Повторный вызов ничего не делает.
func (r *Replay) Stop() {
	prev := State(r.state.Swap(int32(Done)))
	r.beginOnce.Do(func() { close(r.begin) })
	r.signal()
	if prev != Done {
		r.emit(eventbus.EventReplayDone, Done, "")
	}
}

// Finished закрывается, когда горутина воспроизведения завершилась
func (r *Replay) Finished() <-chan struct{} { return r.finished }

// Wait ждет завершения воспроизведения
func (r *Replay) Wait(ctx context.Context) error {
	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close останавливает воспроизведение, дожидается горутины и закрывает
// дескрипторы потоков. Хранилище остается открытым.
func (r *Replay) Close() error {
	r.closeOnce.Do(func() {
		r.Stop()
		<-r.finished
		r.closeErr = r.closeHandles()
	})
	return r.closeErr
}

func (r *Replay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Replay) emit(eventType string, state State, errMsg string) {
	if r.events == nil {
		return
	}
	stats := r.snapshot.Load()
	ev, err := eventbus.NewEnvelope(r.cfg.Source, eventType, eventPriority(eventType), StateEvent{
		State: state,
		Index: stats.Index,
		Cycle: stats.Cycle,
		Error: errMsg,
	})
	if err == nil {
		// события с высоким приоритетом ждут места в шине не дольше publishTimeout
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.events.Publish(ctx, ev)
		cancel()
	}
	if err != nil {
		r.logger.Warn("Failed to publish %s: %v", eventType, err)
	}
}

//================ Чтение состояния =================//

// State текущее состояние
func (r *Replay) State() State { return State(r.state.Load()) }

// IsDone сообщает, что воспроизведение завершено
func (r *Replay) IsDone() bool { return r.State() == Done }

// Stats возвращает последний опубликованный снимок статистики
func (r *Replay) Stats() Statistics {
	s := *r.snapshot.Load()
	s.State = r.State()
	s.ReplayTime = s.replayTime(time.Now())
	return s
}

// Cycle цикл последней примененной записи
func (r *Replay) Cycle() uint64 { return r.snapshot.Load().Cycle }

// Index число примененных записей
func (r *Replay) Index() uint64 { return r.snapshot.Load().Index }

// ReplayTime время воспроизведения без учета пауз
func (r *Replay) ReplayTime() time.Duration {
	return r.snapshot.Load().replayTime(time.Now())
}

// NumWrites число записей в память по размерам 1, 2, 4, 8 байт
func (r *Replay) NumWrites() [4]uint64 { return r.snapshot.Load().NumWrites }

// NumCr3Switches число переключений каталога страниц
func (r *Replay) NumCr3Switches() uint64 { return r.snapshot.Load().NumCr3Switches }

// Cr3 последнее значение каталога страниц
func (r *Replay) Cr3() uint64 { return r.snapshot.Load().Cr3 }

// WriteStreamInfo сведения о потоке записей в память
func (r *Replay) WriteStreamInfo() storage.StreamInfo { return r.writeInfo }

// Streams имена входных потоков в порядке регистрации
func (r *Replay) Streams() []string { return append([]string(nil), r.streams...) }

// RamMap карта памяти воспроизведения
func (r *Replay) RamMap() *ram.RamMap { return r.ram }

// Screen возвращает копию последнего снимка экрана или nil
func (r *Replay) Screen() *image.RGBA {
	r.screenMu.Lock()
	defer r.screenMu.Unlock()

	if r.screen == nil {
		return nil
	}
	clone := *r.screen
	clone.Pix = append([]uint8(nil), r.screen.Pix...)
	return &clone
}

// Render строит карту памяти с параметрами view
func (r *Replay) Render(ctx context.Context, view render.View) (*image.RGBA, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "replay.Render")
	defer span.End()
	span.SetAttributes(
		attribute.Int("render.width", view.Width),
		attribute.Int("render.height", view.Height),
		attribute.Int64("render.zoom", int64(view.ZoomLevel)),
	)

	img, err := render.Render(r.ram, view)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return img, err
}

//================ Горутина воспроизведения =================//

func (r *Replay) run() {
	defer close(r.finished)

	<-r.begin
	if r.State() == Done {
		return
	}

	r.logger.Info("▶️ Starting replay")
	r.startTime = time.Now()
	r.publish(time.Time{})

	if err := r.loop(); err != nil {
		r.state.Store(int32(Done))
		r.logger.Error("❌ Replay failed at <index: %d, cycle: %d>: %v", r.index, r.cycle, err)
		r.finish()
		r.emit(eventbus.EventReplayFailed, Done, err.Error())
		return
	}
	r.finish()
	r.logger.Info("🏁 Replay done: %d entries, %s", r.index, r.ReplayTime())
}

func (r *Replay) finish() {
	s := r.stats(time.Time{})
	s.EndTime = time.Now()
	r.snapshot.Store(&s)
}

func (r *Replay) loop() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	for {
		switch r.State() {
		case Done:
			return nil
		case Running:
			if err := r.step(); err != nil {
				return err
			}
		case Suspended:
			r.waitSuspended()
		}
	}
}

// step применяет одну запись
func (r *Replay) step() error {
	e, ok, err := r.mux.Next()
	if err != nil {
		return err
	}
	if !ok {
		if State(r.state.Swap(int32(Done))) != Done {
			r.publish(time.Time{})
			r.emit(eventbus.EventReplayDone, Done, "")
		}
		return nil
	}

	r.cycle = e.Cycle
	r.index++

	if err := r.handlers[e.StreamIndex](e); err != nil {
		r.logger.LogCorruptEntry(r.index, r.cycle, err, e.Data)
		return fmt.Errorf("stream %q: %w", r.streams[e.StreamIndex], err)
	}

	if r.singleStep.CompareAndSwap(true, false) {
		r.state.CompareAndSwap(int32(Running), int32(Suspended))
		r.publish(time.Time{})
		return nil
	}
	if r.index%r.cfg.StatsInterval == 0 {
		r.publish(time.Time{})
	}
	return nil
}

// waitSuspended ждет выхода из паузы, накапливая время паузы
func (r *Replay) waitSuspended() {
	since := time.Now()
	r.publish(since)
	r.logger.Info("⏸️ Suspending replay at cycle %d", r.cycle)
	r.emit(eventbus.EventReplaySuspended, Suspended, "")

	timer := time.NewTimer(r.cfg.SuspendPoll)
	defer timer.Stop()

	for r.State() == Suspended {
		select {
		case <-r.wake:
		case <-timer.C:
			timer.Reset(r.cfg.SuspendPoll)
		}
		now := time.Now()
		r.suspendTime += now.Sub(since)
		since = now
	}
	r.publish(time.Time{})

	switch {
	case r.State() == Done:
	case r.singleStep.Load():
		r.logger.Info("⏭️ Single step")
	default:
		r.logger.Info("▶️ Resuming replay")
	}
}

func (r *Replay) stats(suspendedSince time.Time) Statistics {
	return Statistics{
		Index:          r.index,
		AccessIndex:    r.ram.Index(),
		Cycle:          r.cycle,
		NumWrites:      r.numWrites,
		NumCr3Switches: r.numCr3Switches,
		Cr3:            r.cr3,
		StartTime:      r.startTime,
		SuspendTime:    r.suspendTime,
		SuspendedSince: suspendedSince,
	}
}

// publish заменяет снимок статистики
func (r *Replay) publish(suspendedSince time.Time) {
	s := r.stats(suspendedSince)
	r.snapshot.Store(&s)
}
