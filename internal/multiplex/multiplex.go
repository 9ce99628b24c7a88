// Package multiplex сливает несколько упорядоченных потоков записей трассы
// в одну последовательность.
package multiplex

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/annel0/memreplay/internal/trace"
)

// Rule правило слияния потоков
type Rule int

const (
	// RuleCycleCount упорядочивает записи по циклу, при равенстве
	// выигрывает поток, зарегистрированный раньше
	RuleCycleCount Rule = iota
	// RuleRoundRobin выдает по одной записи из каждого живого потока по очереди
	RuleRoundRobin
)

func (r Rule) String() string {
	switch r {
	case RuleCycleCount:
		return "cycle"
	case RuleRoundRobin:
		return "roundrobin"
	default:
		return fmt.Sprintf("Rule(%d)", int(r))
	}
}

// ParseRule разбирает имя правила из конфигурации
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(s) {
	case "", "cycle", "cyclecount", "cycle_count":
		return RuleCycleCount, nil
	case "roundrobin", "round_robin", "rr":
		return RuleRoundRobin, nil
	default:
		return 0, fmt.Errorf("%w: unknown rule %q", ErrConfiguration, s)
	}
}

var (
	// ErrConfiguration некорректный набор входов
	ErrConfiguration = errors.New("multiplex: invalid configuration")
)

// Source источник записей одного потока. storage.Handle удовлетворяет ему.
// Next возвращает io.EOF когда записи закончились.
type Source interface {
	Next() ([]byte, error)
}

// Input один входной поток
type Input struct {
	ID       trace.StreamID
	Name     string
	Source   Source
	Temporal bool
}

// Entry запись, выданная мультиплексором
type Entry struct {
	Cycle       uint64
	StreamIndex int
	StreamID    trace.StreamID
	Data        []byte
}

// Multiplexer сливает входы согласно правилу. Не потокобезопасен:
// предполагается единственный потребитель (поток воспроизведения).
//
// Data выданной записи действительна до следующего вызова Next.
type Multiplexer struct {
	rule   Rule
	inputs []Input

	primed bool
	heap   entryHeap
	refill int

	live   []int
	cursor int

	done bool
	err  error
}

// New создает мультиплексор. Порядок inputs задает порядок регистрации.
func New(rule Rule, inputs []Input) (*Multiplexer, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one input expected", ErrConfiguration)
	}
	for i, in := range inputs {
		if in.Source == nil {
			return nil, fmt.Errorf("%w: input %d (%s) has no source", ErrConfiguration, i, in.Name)
		}
		if rule == RuleCycleCount && !in.Temporal {
			return nil, fmt.Errorf("%w: cycle count rule requires temporal input, %q is not", ErrConfiguration, in.Name)
		}
	}
	if rule != RuleCycleCount && rule != RuleRoundRobin {
		return nil, fmt.Errorf("%w: unknown rule %d", ErrConfiguration, int(rule))
	}

	m := &Multiplexer{
		rule:   rule,
		inputs: append([]Input(nil), inputs...),
		refill: -1,
	}
	if rule == RuleRoundRobin {
		m.live = make([]int, len(inputs))
		for i := range m.live {
			m.live[i] = i
		}
	}
	return m, nil
}

// Rule возвращает правило слияния
func (m *Multiplexer) Rule() Rule { return m.rule }

// Inputs возвращает число входов
func (m *Multiplexer) Inputs() int { return len(m.inputs) }

// Next возвращает следующую запись. ok=false означает, что все входы
// исчерпаны; после этого Next всегда возвращает ok=false. Ошибка источника
// возвращается с индексом потока и повторяется при последующих вызовах.
func (m *Multiplexer) Next() (Entry, bool, error) {
	if m.err != nil {
		return Entry{}, false, m.err
	}
	if m.done {
		return Entry{}, false, nil
	}

	var (
		e   Entry
		ok  bool
		err error
	)
	switch m.rule {
	case RuleRoundRobin:
		e, ok, err = m.nextRoundRobin()
	default:
		e, ok, err = m.nextByCycle()
	}
	if err != nil {
		m.err = err
		return Entry{}, false, err
	}
	if !ok {
		m.done = true
	}
	return e, ok, nil
}

// pull читает следующую запись входа i
func (m *Multiplexer) pull(i int) (Entry, bool, error) {
	in := &m.inputs[i]
	data, err := in.Source.Next()
	if errors.Is(err, io.EOF) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read stream %d (%s): %w", i, in.Name, err)
	}

	cycle := trace.InvalidCycleCount
	if in.Temporal {
		cycle, err = trace.CycleOf(data)
		if err != nil {
			return Entry{}, false, fmt.Errorf("stream %d (%s): %w", i, in.Name, err)
		}
	}
	return Entry{Cycle: cycle, StreamIndex: i, StreamID: in.ID, Data: data}, true, nil
}

func (m *Multiplexer) nextByCycle() (Entry, bool, error) {
	if !m.primed {
		m.primed = true
		m.heap = make(entryHeap, 0, len(m.inputs))
		for i := range m.inputs {
			e, ok, err := m.pull(i)
			if err != nil {
				return Entry{}, false, err
			}
			if ok {
				m.heap = append(m.heap, e)
			}
		}
		heap.Init(&m.heap)
	}

	// Вход выданной в прошлый раз записи дочитывается только сейчас,
	// чтобы ее Data оставалась действительной до этого вызова
	if m.refill >= 0 {
		e, ok, err := m.pull(m.refill)
		m.refill = -1
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			heap.Push(&m.heap, e)
		}
	}

	if m.heap.Len() == 0 {
		return Entry{}, false, nil
	}
	e := heap.Pop(&m.heap).(Entry)
	m.refill = e.StreamIndex
	return e, true, nil
}

func (m *Multiplexer) nextRoundRobin() (Entry, bool, error) {
	for len(m.live) > 0 {
		if m.cursor >= len(m.live) {
			m.cursor = 0
		}
		i := m.live[m.cursor]
		e, ok, err := m.pull(i)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			m.live = append(m.live[:m.cursor], m.live[m.cursor+1:]...)
			continue
		}
		m.cursor++
		return e, true, nil
	}
	return Entry{}, false, nil
}

// entryHeap min-куча по (цикл, индекс регистрации)
type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Cycle != h[j].Cycle {
		return h[i].Cycle < h[j].Cycle
	}
	return h[i].StreamIndex < h[j].StreamIndex
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = Entry{}
	*h = old[:n-1]
	return e
}
