package router

import (
	"factory-logistics/internal/conveyor"
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ore  types.ResourceType = "ore"
	coal types.ResourceType = "coal"
)

// stubSink 记录收到的货包，full 为 true 时拒收
type stubSink struct {
	full     bool
	received int
}

func (s *stubSink) CanAccept(types.ResourceType, int) bool { return !s.full }
func (s *stubSink) Accept(_ types.ResourceType, n int) bool {
	if s.full {
		return false
	}
	s.received += n
	return true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSplitter(t *testing.T, policy Policy) (*Splitter, [MaxOutputs]*stubSink) {
	t.Helper()
	s, err := New(Config{ID: "split", Policy: policy, Seed: 7}, quietLogger())
	require.NoError(t, err)
	var sinks [MaxOutputs]*stubSink
	for i := range sinks {
		sinks[i] = &stubSink{}
		require.NoError(t, s.SetOutput(i, sinks[i]))
	}
	return s, sinks
}

func TestNew_RejectsUnknownPolicy(t *testing.T) {
	_, err := New(Config{ID: "x", Policy: "shuffle"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRouter)

	s, err := New(Config{ID: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, PolicyRoundRobin, s.Policy())
	assert.Error(t, s.SetOutput(3, &stubSink{}))
}

func TestRoundRobin_Fairness(t *testing.T) {
	s, _ := newSplitter(t, PolicyRoundRobin)

	counts := map[int]int{}
	last := -1
	for i := 0; i < 10; i++ {
		slot, ok := s.SelectOutput(ore, 1)
		require.True(t, ok)
		assert.NotEqual(t, last, slot, "round robin repeated slot %d", slot)
		counts[slot]++
		last = slot
	}
	assert.Equal(t, map[int]int{0: 4, 1: 3, 2: 3}, counts)
}

func TestRoundRobin_SkipsFullOutputsAndHoldsCursorWhenAllFull(t *testing.T) {
	s, sinks := newSplitter(t, PolicyRoundRobin)
	sinks[1].full = true

	var picks []int
	for i := 0; i < 4; i++ {
		slot, ok := s.SelectOutput(ore, 1)
		require.True(t, ok)
		picks = append(picks, slot)
	}
	assert.Equal(t, []int{0, 2, 0, 2}, picks)

	cursor := s.Cursor()
	for _, sink := range sinks {
		sink.full = true
	}
	_, ok := s.SelectOutput(ore, 1)
	assert.False(t, ok)
	assert.Equal(t, cursor, s.Cursor())
}

func TestPriorityAndOverflow_FillInOrder(t *testing.T) {
	for _, policy := range []Policy{PolicyPriority, PolicyOverflow} {
		t.Run(string(policy), func(t *testing.T) {
			s, sinks := newSplitter(t, policy)

			slot, _ := s.SelectOutput(ore, 1)
			assert.Equal(t, 0, slot)

			sinks[0].full = true
			slot, _ = s.SelectOutput(ore, 1)
			assert.Equal(t, 1, slot)

			sinks[1].full = true
			slot, _ = s.SelectOutput(ore, 1)
			assert.Equal(t, 2, slot)

			sinks[2].full = true
			_, ok := s.SelectOutput(ore, 1)
			assert.False(t, ok)
		})
	}
}

func TestRandom_OnlyPicksOutputsWithCapacity(t *testing.T) {
	s, sinks := newSplitter(t, PolicyRandom)
	sinks[0].full = true

	seen := map[int]int{}
	for i := 0; i < 300; i++ {
		slot, ok := s.SelectOutput(ore, 1)
		require.True(t, ok)
		seen[slot]++
	}
	assert.Zero(t, seen[0])
	assert.Greater(t, seen[1], 100)
	assert.Greater(t, seen[2], 100)
}

func TestFiltered_AllowListRuleAndFallback(t *testing.T) {
	s, sinks := newSplitter(t, PolicyFiltered)
	require.NoError(t, s.SetFilter(1, coal))
	require.NoError(t, s.SetFilterRule(2, `resource == "ore" && amount >= 2`))

	slot, ok := s.SelectOutput(coal, 1)
	require.True(t, ok)
	assert.Equal(t, 1, slot)

	slot, _ = s.SelectOutput(ore, 3)
	assert.Equal(t, 2, slot)

	// 没有过滤器匹配：回退到第一个有容量的输出
	slot, _ = s.SelectOutput(ore, 1)
	assert.Equal(t, 0, slot)

	// 匹配的输出已满时同样回退
	sinks[1].full = true
	slot, _ = s.SelectOutput(coal, 1)
	assert.Equal(t, 0, slot)
}

func TestSetFilterRule_RejectsBadExpression(t *testing.T) {
	s, _ := newSplitter(t, PolicyFiltered)
	assert.ErrorIs(t, s.SetFilterRule(0, `resource +`), ErrInvalidRouter)
	assert.ErrorIs(t, s.SetFilterRule(0, `amount + 1`), ErrInvalidRouter, "rule must evaluate to bool")
}

func TestTick_DoesNotExtractWhenNoOutputHasCapacity(t *testing.T) {
	s, sinks := newSplitter(t, PolicyPriority)
	box, err := inventory.NewContainer("box", 1, 10, nil, nil)
	require.NoError(t, err)
	require.True(t, box.Add(ore, 4))
	s.ConnectInput(inventory.NewOutlet(box, 1, ""))

	for _, sink := range sinks {
		sink.full = true
	}
	s.Tick(1)
	assert.Equal(t, 4, box.Count(ore))

	sinks[2].full = false
	s.Tick(1)
	assert.Equal(t, 3, box.Count(ore))
	assert.Equal(t, 1, sinks[2].received)
}

func TestTick_RespectsExtractionInterval(t *testing.T) {
	s, err := New(Config{ID: "split", Policy: PolicyRoundRobin, Interval: 0.5}, quietLogger())
	require.NoError(t, err)
	box, _ := inventory.NewContainer("box", 1, 10, nil, nil)
	require.True(t, box.Add(ore, 10))
	s.ConnectInput(inventory.NewOutlet(box, 1, ""))
	sinks := [MaxOutputs]*stubSink{{}, {}, {}}
	for i, sink := range sinks {
		require.NoError(t, s.SetOutput(i, sink))
	}

	for i := 0; i < 6; i++ {
		s.Tick(0.25)
	}
	assert.Equal(t, 7, box.Count(ore))
	assert.Equal(t, 1, sinks[0].received)
	assert.Equal(t, 1, sinks[1].received)
	assert.Equal(t, 1, sinks[2].received)
}

func TestTick_SplitsBeltIntoBelts(t *testing.T) {
	in, err := conveyor.New(conveyor.Config{ID: "in", Length: 1, Speed: 1, MaxParcels: 4}, quietLogger())
	require.NoError(t, err)
	outA, _ := conveyor.New(conveyor.Config{ID: "a", Length: 1, Speed: 1, Spacing: 0.5, MaxParcels: 1}, quietLogger())
	outB, _ := conveyor.New(conveyor.Config{ID: "b", Length: 1, Speed: 1, Spacing: 0.5, MaxParcels: 1}, quietLogger())

	s, err := New(Config{ID: "split", Policy: PolicyRoundRobin}, quietLogger())
	require.NoError(t, err)
	s.ConnectInput(in)
	require.NoError(t, s.SetOutput(0, outA))
	require.NoError(t, s.SetOutput(1, outB))

	require.True(t, in.Accept(ore, 1))
	in.Tick(0.5)
	require.True(t, in.Accept(coal, 1))
	in.Tick(0.5)

	s.Tick(0.1) // ore -> A
	in.Tick(0.5)
	s.Tick(0.1) // coal -> B

	assert.True(t, in.IsEmpty())
	assert.Equal(t, ore, outA.Parcels()[0].Type)
	assert.Equal(t, coal, outB.Parcels()[0].Type)
}
