package multiplex

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/annel0/memreplay/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource отдает записи вида [cycle u64][seq u64]
type sliceSource struct {
	entries [][]byte
	pos     int
	failAt  int
}

func newSource(cycles ...uint64) *sliceSource {
	s := &sliceSource{failAt: -1}
	for i, c := range cycles {
		b := make([]byte, 16)
		binary.LittleEndian.PutUint64(b, c)
		binary.LittleEndian.PutUint64(b[8:], uint64(i))
		s.entries = append(s.entries, b)
	}
	return s
}

func (s *sliceSource) Next() ([]byte, error) {
	if s.pos == s.failAt {
		return nil, errors.New("disk on fire")
	}
	if s.pos >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

func inputs(sources ...*sliceSource) []Input {
	in := make([]Input, len(sources))
	for i, s := range sources {
		in[i] = Input{ID: trace.StreamID(i), Name: string(rune('A' + i)), Source: s, Temporal: true}
	}
	return in
}

type pulled struct {
	stream int
	cycle  uint64
	seq    uint64
}

func drain(t *testing.T, m *Multiplexer) []pulled {
	t.Helper()
	var out []pulled
	for {
		e, ok, err := m.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, pulled{e.StreamIndex, e.Cycle, binary.LittleEndian.Uint64(e.Data[8:])})
	}
}

func TestTieBrokenByRegistrationOrder(t *testing.T) {
	m, err := New(RuleCycleCount, inputs(newSource(5), newSource(5), newSource(3)))
	require.NoError(t, err)

	out := drain(t, m)
	require.Len(t, out, 3)
	assert.Equal(t, []int{2, 0, 1}, []int{out[0].stream, out[1].stream, out[2].stream})
	assert.Equal(t, []uint64{3, 5, 5}, []uint64{out[0].cycle, out[1].cycle, out[2].cycle})

	// После исчерпания Next стабильно возвращает ok=false
	_, ok, err := m.Next()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeIsSortedPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	build := func() [][]uint64 {
		streams := make([][]uint64, 4)
		for i := range streams {
			cycle := uint64(0)
			for j := 0; j < 50+rng.Intn(50); j++ {
				cycle += uint64(rng.Intn(3))
				streams[i] = append(streams[i], cycle)
			}
		}
		return streams
	}
	streams := build()

	run := func() []pulled {
		sources := make([]*sliceSource, len(streams))
		for i, c := range streams {
			sources[i] = newSource(c...)
		}
		m, err := New(RuleCycleCount, inputs(sources...))
		require.NoError(t, err)
		return drain(t, m)
	}

	first := run()

	var expected []pulled
	for i, cycles := range streams {
		for j, c := range cycles {
			expected = append(expected, pulled{i, c, uint64(j)})
		}
	}
	sort.SliceStable(expected, func(a, b int) bool {
		if expected[a].cycle != expected[b].cycle {
			return expected[a].cycle < expected[b].cycle
		}
		return expected[a].stream < expected[b].stream
	})

	assert.Equal(t, expected, first)
	assert.Equal(t, first, run())
}

func TestRoundRobin(t *testing.T) {
	a := newSource(10, 11, 12)
	b := newSource(1)
	m, err := New(RuleRoundRobin, inputs(a, b))
	require.NoError(t, err)

	out := drain(t, m)
	var order []int
	for _, p := range out {
		order = append(order, p.stream)
	}
	assert.Equal(t, []int{0, 1, 0, 0}, order)
}

func TestRoundRobinAcceptsNonTemporal(t *testing.T) {
	in := inputs(newSource(1, 2))
	in[0].Temporal = false

	_, err := New(RuleCycleCount, in)
	assert.ErrorIs(t, err, ErrConfiguration)

	m, err := New(RuleRoundRobin, in)
	require.NoError(t, err)
	e, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trace.InvalidCycleCount, e.Cycle)
}

func TestSingleInputAndEmpty(t *testing.T) {
	_, err := New(RuleCycleCount, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	m, err := New(RuleCycleCount, inputs(newSource()))
	require.NoError(t, err)
	assert.Empty(t, drain(t, m))

	m, err = New(RuleCycleCount, inputs(newSource(1, 2, 3)))
	require.NoError(t, err)
	assert.Len(t, drain(t, m), 3)
}

func TestSourceErrorIsSticky(t *testing.T) {
	bad := newSource(1, 2, 3)
	bad.failAt = 1
	m, err := New(RuleCycleCount, inputs(newSource(0, 10), bad))
	require.NoError(t, err)

	_, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = m.Next()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Next()
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "stream 1")

	_, _, again := m.Next()
	assert.Equal(t, err, again)
}

func TestShortEntryReported(t *testing.T) {
	s := &sliceSource{entries: [][]byte{{1, 2}}, failAt: -1}
	m, err := New(RuleCycleCount, inputs(s))
	require.NoError(t, err)

	_, _, err = m.Next()
	assert.ErrorIs(t, err, trace.ErrShortEntry)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("")
	require.NoError(t, err)
	assert.Equal(t, RuleCycleCount, r)

	r, err = ParseRule("RoundRobin")
	require.NoError(t, err)
	assert.Equal(t, RuleRoundRobin, r)

	_, err = ParseRule("random")
	assert.ErrorIs(t, err, ErrConfiguration)
}
