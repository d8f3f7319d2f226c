package conveyor

import (
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ore types.ResourceType = "ore"

const eps = 1e-9

func newSegment(t *testing.T, cfg Config) *Segment {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "belt"
	}
	s, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func assertSpacing(t *testing.T, s *Segment) {
	t.Helper()
	ps := s.Parcels()
	for i := 1; i < len(ps); i++ {
		require.GreaterOrEqual(t, ps[i-1].Progress-ps[i].Progress, s.MinSpacing()-eps,
			"parcels %d/%d at %.6f/%.6f", i-1, i, ps[i-1].Progress, ps[i].Progress)
	}
	for _, p := range ps {
		require.LessOrEqual(t, p.Progress, 1.0)
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	cases := []Config{
		{ID: "", Length: 1, MaxParcels: 1},
		{ID: "a", Length: 0, MaxParcels: 1},
		{ID: "a", Length: 1, Speed: -1, MaxParcels: 1},
		{ID: "a", Length: 1, Spacing: 2, MaxParcels: 1},
		{ID: "a", Length: 1, MaxParcels: 0},
	}
	for _, cfg := range cases {
		_, err := New(cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidSegment, "%+v", cfg)
	}
}

func TestAccept_EnforcesCountAndEntrySpacing(t *testing.T) {
	s := newSegment(t, Config{Length: 10, Speed: 1, Spacing: 1, MaxParcels: 2})

	assert.False(t, s.Accept(ore, 0))
	assert.True(t, s.Accept(ore, 1))
	// 最近放入的货包还在入口
	assert.False(t, s.Accept(ore, 1))

	s.Tick(0.5) // progress 0.05 < 0.1
	assert.False(t, s.Accept(ore, 1))
	s.Tick(0.5) // progress 0.1
	assert.True(t, s.Accept(ore, 1))

	s.Tick(5)
	assert.True(t, s.IsFull())
	assert.False(t, s.Accept(ore, 1))
}

func TestTick_MovesAtNormalisedSpeed(t *testing.T) {
	s := newSegment(t, Config{Length: 4, Speed: 2, MaxParcels: 4})
	require.True(t, s.Accept(ore, 3))

	s.Tick(0.5)
	assert.InDelta(t, 0.25, s.Parcels()[0].Progress, eps)

	s.Tick(100)
	assert.Equal(t, 1.0, s.Parcels()[0].Progress, "exit-most parcel is clamped at 1")
}

func TestPopExit_OnlyAtExit(t *testing.T) {
	s := newSegment(t, Config{Length: 1, Speed: 1, MaxParcels: 4})
	require.True(t, s.Accept(ore, 2))

	_, ok := s.PopExit()
	assert.False(t, ok)

	s.Tick(1)
	p, ok := s.PopExit()
	require.True(t, ok)
	assert.Equal(t, Parcel{Type: ore, Amount: 2, Progress: 1}, p)
	assert.True(t, s.IsEmpty())
}

func TestSpacingInvariant_SeededBlockedBelt(t *testing.T) {
	s := newSegment(t, Config{Length: 10, Speed: 5, Spacing: 1, MaxParcels: 8})
	require.NoError(t, s.Restore([]Parcel{
		{Type: ore, Amount: 1, Progress: 1.0},
		{Type: ore, Amount: 1, Progress: 0.9},
		{Type: ore, Amount: 1, Progress: 0.8},
	}))

	for i := 0; i < 50; i++ {
		s.Tick(10)
		assertSpacing(t, s)
	}
	ps := s.Parcels()
	require.Len(t, ps, 3)
	assert.InDelta(t, 0.8, ps[2].Progress, eps)
}

func TestBlockingPropagatesBackward(t *testing.T) {
	s := newSegment(t, Config{Length: 10, Speed: 1, Spacing: 2, MaxParcels: 5})
	for i := 0; i < 5; i++ {
		require.True(t, s.Accept(ore, 1))
		s.Tick(2)
		assertSpacing(t, s)
	}
	s.Tick(1000)
	assertSpacing(t, s)

	ps := s.Parcels()
	require.Len(t, ps, 5)
	want := []float64{1.0, 0.8, 0.6, 0.4, 0.2}
	for i, p := range ps {
		assert.InDelta(t, want[i], p.Progress, 1e-6, "parcel %d", i)
	}

	// 放行出口后队列整体前移
	_, ok := s.PopExit()
	require.True(t, ok)
	s.Tick(1000)
	assert.InDelta(t, 1.0, s.Parcels()[0].Progress, eps)
	assertSpacing(t, s)
}

func TestTick_HandoffToNextSegment(t *testing.T) {
	a := newSegment(t, Config{ID: "a", Length: 1, Speed: 1, MaxParcels: 4})
	b := newSegment(t, Config{ID: "b", Length: 1, Speed: 1, Spacing: 0.5, MaxParcels: 1})
	a.ConnectOutput(b)

	require.True(t, a.Accept(ore, 1))
	a.Tick(0.5)
	require.True(t, a.Accept(ore, 2))

	a.Tick(0.5) // 第一个货包到达出口并交付
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 1, a.Count())

	a.Tick(0.5) // b 已满，第二个货包停在出口
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 1.0, a.Parcels()[0].Progress)

	b.Tick(1)
	_, ok := b.PopExit()
	require.True(t, ok)
	a.Tick(0.01)
	assert.True(t, a.IsEmpty())
	assert.Equal(t, 2, b.Parcels()[0].Amount)
}

func TestTick_PullsFromContainerOutletAtTransferInterval(t *testing.T) {
	box, err := inventory.NewContainer("box", 1, 10, nil, nil)
	require.NoError(t, err)
	require.True(t, box.Add(ore, 5))

	s := newSegment(t, Config{Length: 10, Speed: 10, MaxParcels: 10, TransferInterval: 1})
	s.ConnectInput(inventory.NewOutlet(box, 2, ""))

	s.Tick(0.5)
	assert.Equal(t, 0, s.Count(), "transfer interval not reached yet")
	s.Tick(0.5)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 3, box.Count(ore))

	// 一帧最多一次传输
	s.Tick(10)
	assert.Equal(t, 2, s.Count())
}

func TestTick_DeliversIntoContainerOnlyWhenItFits(t *testing.T) {
	box, err := inventory.NewContainer("box", 1, 3, nil, nil)
	require.NoError(t, err)
	s := newSegment(t, Config{Length: 1, Speed: 1, Spacing: 0.1, MaxParcels: 4})
	s.ConnectOutput(box)

	require.True(t, s.Accept(ore, 2))
	s.Tick(0.5)
	require.True(t, s.Accept(ore, 2))
	s.Tick(0.5)
	assert.Equal(t, 2, box.Count(ore))

	s.Tick(1)
	assert.Equal(t, 2, box.Count(ore), "second parcel does not fit")
	assert.Equal(t, 1, s.Count())
}

func TestRestore_RejectsInvalidLayout(t *testing.T) {
	s := newSegment(t, Config{Length: 10, Speed: 1, Spacing: 1, MaxParcels: 2})
	assert.Error(t, s.Restore([]Parcel{{Type: ore, Amount: 1, Progress: 0.5}, {Type: ore, Amount: 1, Progress: 0.45}}))
	assert.Error(t, s.Restore([]Parcel{{Type: ore, Amount: 1, Progress: 1.5}}))
	assert.Error(t, s.Restore(make([]Parcel, 3)))
	assert.NoError(t, s.Restore(nil))
}
