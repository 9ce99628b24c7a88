// Package replay воспроизводит трассу: сливает потоки, применяет записи к
// карте памяти и управляет ходом воспроизведения (запуск, пауза, шаг, стоп).
package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/annel0/memreplay/internal/multiplex"
	"github.com/annel0/memreplay/internal/trace"
)

var (
	// ErrConfiguration хранилище не содержит нужных потоков или их типы не совпадают
	ErrConfiguration = errors.New("replay: configuration error")
	// ErrInvalidOperation недопустимый переход состояния
	ErrInvalidOperation = errors.New("replay: invalid operation")
)

// State состояние воспроизведения
type State int32

const (
	// Suspended начальное состояние и пауза
	Suspended State = iota
	// Running записи применяются
	Running
	// Done конечное состояние
	Done
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText для JSON-ответов API
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText разбирает имя состояния, которое выдает MarshalText
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "suspended":
		*s = Suspended
	case "running":
		*s = Running
	case "done":
		*s = Done
	default:
		return fmt.Errorf("replay: unknown state %q", b)
	}
	return nil
}

// Config параметры воспроизведения
type Config struct {
	// WriteStream имя потока записей в память (обязательный)
	WriteStream string
	// RamSize размер моделируемой памяти в байтах
	RamSize uint64
	// CaptureData вести образ содержимого памяти
	CaptureData bool
	// Rule правило слияния потоков
	Rule multiplex.Rule
	// SuspendPoll период опроса состояния во время паузы
	SuspendPoll time.Duration
	// StatsInterval число записей между публикациями статистики
	StatsInterval uint64
	// Source имя источника в событиях (обычно имя хранилища)
	Source string
}

// DefaultConfig параметры по умолчанию: 512 MiB памяти, пауза опрашивается раз в 100 мс
func DefaultConfig() Config {
	return Config{
		WriteStream:   trace.DefaultWriteStream,
		RamSize:       512 << 20,
		CaptureData:   true,
		Rule:          multiplex.RuleCycleCount,
		SuspendPoll:   100 * time.Millisecond,
		StatsInterval: 1024,
	}
}

func (c *Config) normalize() error {
	if c.WriteStream == "" {
		return fmt.Errorf("%w: write stream name expected", ErrConfiguration)
	}
	if c.RamSize == 0 {
		return fmt.Errorf("%w: ram size must be positive", ErrConfiguration)
	}
	if c.SuspendPoll <= 0 {
		c.SuspendPoll = 100 * time.Millisecond
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 1024
	}
	return nil
}

// Statistics снимок статистики воспроизведения. Снимок неизменяем:
// поток воспроизведения публикует новый целиком.
type Statistics struct {
	State State `json:"state"`
	// Index число примененных записей всех потоков
	Index uint64 `json:"index"`
	// AccessIndex число примененных доступов к памяти
	AccessIndex    uint64    `json:"access_index"`
	Cycle          uint64    `json:"cycle"`
	NumWrites      [4]uint64 `json:"writes_by_size"`
	NumCr3Switches uint64    `json:"cr3_switches"`
	Cr3            uint64    `json:"cr3"`

	StartTime      time.Time     `json:"start_time"`
	SuspendTime    time.Duration `json:"suspend_time"`
	SuspendedSince time.Time     `json:"-"`
	EndTime        time.Time     `json:"-"`
	ReplayTime     time.Duration `json:"replay_time"`
}

// TotalWrites сумма записей всех размеров
func (s Statistics) TotalWrites() uint64 {
	var total uint64
	for _, n := range s.NumWrites {
		total += n
	}
	return total
}

// replayTime время воспроизведения на момент now без учета пауз
func (s Statistics) replayTime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if !s.EndTime.IsZero() {
		now = s.EndTime
	}
	d := now.Sub(s.StartTime) - s.SuspendTime
	if !s.SuspendedSince.IsZero() && now.After(s.SuspendedSince) {
		d -= now.Sub(s.SuspendedSince)
	}
	if d < 0 {
		return 0
	}
	return d
}

// StateEvent полезная нагрузка событий шины
type StateEvent struct {
	State State  `json:"state"`
	Index uint64 `json:"index"`
	Cycle uint64 `json:"cycle"`
	Error string `json:"error,omitempty"`
}
