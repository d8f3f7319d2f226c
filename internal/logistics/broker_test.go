package logistics

import (
	"errors"
	"factory-logistics/internal/event"
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wood  types.ResourceType = "wood"
	stone types.ResourceType = "stone"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock 每次调用返回 at 指定的时间
type fakeClock struct{ at time.Time }

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) set(seconds int) { c.at = epoch.Add(time.Duration(seconds) * time.Second) }

type memJournal struct {
	appended  []RequestRecord
	completed []string
	fail      bool
}

func (j *memJournal) Append(rec RequestRecord) error {
	if j.fail {
		return errors.New("disk full")
	}
	j.appended = append(j.appended, rec)
	return nil
}

func (j *memJournal) Complete(id string) error {
	j.completed = append(j.completed, id)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func box(t *testing.T, id string, perType int) *inventory.Container {
	t.Helper()
	c, err := inventory.NewContainer(id, 4, perType, nil, nil)
	require.NoError(t, err)
	return c
}

func newBroker(opts ...Option) (*Broker, *fakeClock) {
	clock := &fakeClock{at: epoch}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return NewBroker(Config{MaxRequestsPerTick: 8}, nil, quietLogger(), opts...), clock
}

func TestRegister_SortsByPriorityThenRegistrationOrder(t *testing.T) {
	b, _ := newBroker()
	low, n1, n2, crit := box(t, "low", 10), box(t, "n1", 10), box(t, "n2", 10), box(t, "crit", 10)

	assert.True(t, b.Register(n1, types.PriorityNormal, true, true))
	assert.True(t, b.Register(low, types.PriorityLow, true, true))
	assert.True(t, b.Register(crit, types.PriorityCritical, true, true))
	assert.True(t, b.Register(n2, types.PriorityNormal, true, true))
	assert.False(t, b.Register(n2, types.PriorityHigh, true, true), "duplicate registration")

	ids := func() []string {
		var out []string
		for _, n := range b.Nodes() {
			out = append(out, n.Container.ID())
		}
		return out
	}
	assert.Equal(t, []string{"crit", "n1", "n2", "low"}, ids())

	require.True(t, b.SetPriority(crit, types.PriorityNormal))
	// 同优先级按注册顺序：crit 在 n2 之前注册
	assert.Equal(t, []string{"n1", "crit", "n2", "low"}, ids())

	require.True(t, b.Unregister(n1))
	assert.False(t, b.Unregister(n1))
	assert.Equal(t, []string{"crit", "n2", "low"}, ids())
}

func TestFindSourceAndSpace_RespectEligibilityAndPriority(t *testing.T) {
	b, _ := newBroker()
	a, c, d := box(t, "a", 10), box(t, "c", 10), box(t, "d", 5)
	require.True(t, a.Add(wood, 5))
	require.True(t, c.Add(wood, 8))
	require.True(t, d.Add(wood, 5))

	b.Register(a, types.PriorityNormal, false, true)
	b.Register(c, types.PriorityHigh, true, false)
	b.Register(d, types.PriorityCritical, true, true)

	assert.Equal(t, d, b.FindSource(wood, 5))
	assert.Nil(t, b.FindSource(wood, 6), "c holds 8 but is input-only")
	assert.Equal(t, a, b.findSource(wood, 1, d))

	assert.Equal(t, c, b.FindSpace(wood, 2), "d is full")
	assert.Nil(t, b.FindSpace(wood, 3))
}

func TestSubmitRequest_Validation(t *testing.T) {
	b, _ := newBroker()
	dest, outOnly, stranger := box(t, "dest", 10), box(t, "out", 10), box(t, "stranger", 10)
	b.Register(dest, types.PriorityNormal, true, false)
	b.Register(outOnly, types.PriorityNormal, false, true)

	_, ok := b.SubmitRequest(wood, 0, dest, types.PriorityNormal)
	assert.False(t, ok)
	_, ok = b.SubmitRequest(wood, -1, dest, types.PriorityNormal)
	assert.False(t, ok)
	_, ok = b.SubmitRequest(wood, 1, nil, types.PriorityNormal)
	assert.False(t, ok)
	_, ok = b.SubmitRequest(wood, 1, stranger, types.PriorityNormal)
	assert.False(t, ok)
	_, ok = b.SubmitRequest(wood, 1, outOnly, types.PriorityNormal)
	assert.False(t, ok)

	id, ok := b.SubmitRequest(wood, 1, dest, types.PriorityNormal)
	assert.True(t, ok)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, b.PendingCount())
}

func TestTick_ProcessesByPriorityThenCreatedAt(t *testing.T) {
	b, clock := newBroker()
	src := box(t, "src", 10)
	r1, r2, r3 := box(t, "r1", 10), box(t, "r2", 10), box(t, "r3", 10)
	b.Register(src, types.PriorityNormal, false, true)
	for _, c := range []*inventory.Container{r1, r2, r3} {
		b.Register(c, types.PriorityNormal, true, false)
	}

	bus := event.NewBus()
	var order []string
	bus.Subscribe(event.RequestFulfilled, func(e event.Event) { order = append(order, e.TargetID) })
	b.bus = bus

	// 提交顺序与处理顺序无关
	clock.set(2)
	b.SubmitRequest(wood, 1, r2, types.PriorityHigh)
	clock.set(1)
	b.SubmitRequest(wood, 1, r1, types.PriorityLow)
	clock.set(0)
	b.SubmitRequest(wood, 1, r3, types.PriorityHigh)

	pending := b.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "r3", pending[0].Destination.ID())
	assert.Equal(t, "r2", pending[1].Destination.ID())
	assert.Equal(t, "r1", pending[2].Destination.ID())

	require.True(t, src.Add(wood, 3))
	res := b.Tick()
	assert.Equal(t, 3, res.Fulfilled)
	assert.Equal(t, []string{"r3", "r2", "r1"}, order)
}

func TestTick_AtomicTransferCompensatesWhenDestinationFull(t *testing.T) {
	b, _ := newBroker()
	a, err := inventory.NewContainer("a", 2, 10, nil, nil)
	require.NoError(t, err)
	dest, err := inventory.NewContainer("b", 2, 3, nil, nil)
	require.NoError(t, err)
	require.True(t, a.Add(wood, 5))
	require.True(t, dest.Add(wood, 3))

	b.Register(a, types.PriorityNormal, false, true)
	b.Register(dest, types.PriorityHigh, true, false)
	_, ok := b.SubmitRequest(wood, 5, dest, types.PriorityHigh)
	require.True(t, ok)

	res := b.Tick()

	assert.Equal(t, 0, res.Fulfilled)
	assert.Equal(t, 5, a.Count(wood))
	assert.Equal(t, 3, dest.Count(wood))
	assert.Equal(t, 1, b.PendingCount())
}

func TestTick_NeverUsesDestinationAsItsOwnSource(t *testing.T) {
	b, _ := newBroker()
	both := box(t, "both", 10)
	require.True(t, both.Add(wood, 5))
	b.Register(both, types.PriorityNormal, true, true)

	_, ok := b.SubmitRequest(wood, 2, both, types.PriorityNormal)
	require.True(t, ok)
	b.Tick()
	assert.Equal(t, 1, b.PendingCount())
	assert.Equal(t, 5, both.Count(wood))
}

func TestTick_ConservesStockAcrossManyRequests(t *testing.T) {
	b, _ := newBroker()
	src, dst := box(t, "src", 50), box(t, "dst", 7)
	require.True(t, src.Add(wood, 40))
	require.True(t, src.Add(stone, 40))
	b.Register(src, types.PriorityNormal, false, true)
	b.Register(dst, types.PriorityNormal, true, false)

	for i := 1; i <= 6; i++ {
		b.SubmitRequest(wood, i, dst, types.PriorityNormal)
		b.SubmitRequest(stone, i, dst, types.PriorityHigh)
	}
	for i := 0; i < 5; i++ {
		b.Tick()
		assert.Equal(t, 40, src.Count(wood)+dst.Count(wood))
		assert.Equal(t, 40, src.Count(stone)+dst.Count(stone))
		assert.LessOrEqual(t, dst.Count(wood), 7)
	}
}

func TestTick_RespectsMaxRequestsPerTick(t *testing.T) {
	clock := &fakeClock{at: epoch}
	b := NewBroker(Config{MaxRequestsPerTick: 2}, nil, quietLogger(), WithClock(clock.now))
	src, dst := box(t, "src", 50), box(t, "dst", 50)
	require.True(t, src.Add(wood, 10))
	b.Register(src, types.PriorityNormal, false, true)
	b.Register(dst, types.PriorityNormal, true, false)
	for i := 0; i < 5; i++ {
		b.SubmitRequest(wood, 1, dst, types.PriorityNormal)
	}

	assert.Equal(t, 2, b.Tick().Fulfilled)
	assert.Equal(t, 3, b.PendingCount())
	assert.Equal(t, 2, b.Tick().Fulfilled)
	assert.Equal(t, 1, b.Tick().Fulfilled)
	assert.Equal(t, 0, b.PendingCount())
}

func TestTick_PendingWithoutSourceStaysQueued(t *testing.T) {
	b, _ := newBroker()
	dst := box(t, "dst", 10)
	b.Register(dst, types.PriorityNormal, true, false)
	b.SubmitRequest(wood, 1, dst, types.PriorityNormal)

	for i := 0; i < 10; i++ {
		b.Tick()
	}
	assert.Equal(t, 1, b.PendingCount())
}

func TestTick_DropsRequestsForUnregisteredDestination(t *testing.T) {
	b, _ := newBroker()
	bus := event.NewBus()
	var dropped int
	bus.Subscribe(event.RequestDropped, func(event.Event) { dropped++ })
	b.bus = bus

	src, dst := box(t, "src", 10), box(t, "dst", 10)
	require.True(t, src.Add(wood, 5))
	b.Register(src, types.PriorityNormal, false, true)
	b.Register(dst, types.PriorityNormal, true, false)
	b.SubmitRequest(wood, 1, dst, types.PriorityNormal)
	b.Unregister(dst)

	res := b.Tick()
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, 5, src.Count(wood))
}

func TestCancelRequests_RemovesOnlyMatchingDestination(t *testing.T) {
	b, _ := newBroker()
	d1, d2 := box(t, "d1", 10), box(t, "d2", 10)
	b.Register(d1, types.PriorityNormal, true, false)
	b.Register(d2, types.PriorityNormal, true, false)
	b.SubmitRequest(wood, 1, d1, types.PriorityNormal)
	b.SubmitRequest(stone, 1, d1, types.PriorityHigh)
	b.SubmitRequest(wood, 1, d2, types.PriorityNormal)

	assert.Equal(t, 2, b.CancelRequests(d1))
	assert.Equal(t, 0, b.CancelRequests(d1))
	require.Equal(t, 1, b.PendingCount())
	assert.Equal(t, "d2", b.Pending()[0].Destination.ID())
	assert.True(t, b.HasPending(d2, wood))
	assert.False(t, b.HasPending(d1, wood))
}

func TestTick_ExpiresRequestsPastTTL(t *testing.T) {
	clock := &fakeClock{at: epoch}
	b := NewBroker(Config{RequestTTL: 10 * time.Second}, nil, quietLogger(), WithClock(clock.now))
	dst := box(t, "dst", 10)
	b.Register(dst, types.PriorityNormal, true, false)
	b.SubmitRequest(wood, 1, dst, types.PriorityNormal)
	clock.set(5)
	b.SubmitRequest(stone, 1, dst, types.PriorityNormal)

	clock.set(9)
	assert.Equal(t, 0, b.Tick().Expired)
	clock.set(12)
	assert.Equal(t, 1, b.Tick().Expired)
	require.Equal(t, 1, b.PendingCount())
	assert.Equal(t, stone, b.Pending()[0].Type)
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	j := &memJournal{}
	b, _ := newBroker(WithJournal(j))
	src, dst := box(t, "src", 10), box(t, "dst", 10)
	require.True(t, src.Add(wood, 1))
	b.Register(src, types.PriorityNormal, false, true)
	b.Register(dst, types.PriorityNormal, true, false)

	id, ok := b.SubmitRequest(wood, 1, dst, types.PriorityHigh)
	require.True(t, ok)
	require.Len(t, j.appended, 1)
	assert.Equal(t, RequestRecord{ID: id, Type: wood, Amount: 1, DestinationID: "dst", Priority: types.PriorityHigh, CreatedAt: epoch}, j.appended[0])

	b.Tick()
	assert.Equal(t, []string{id}, j.completed)

	// 日志写入失败不影响请求入队
	j.fail = true
	_, ok = b.SubmitRequest(wood, 1, dst, types.PriorityHigh)
	assert.True(t, ok)
	assert.Equal(t, 1, b.PendingCount())
}

func TestSnapshotRestore(t *testing.T) {
	b, clock := newBroker()
	src, dst := box(t, "src", 10), box(t, "dst", 10)
	b.Register(src, types.PriorityLow, false, true)
	b.Register(dst, types.PriorityHigh, true, false)
	b.SubmitRequest(wood, 2, dst, types.PriorityNormal)
	clock.set(3)
	b.SubmitRequest(stone, 1, dst, types.PriorityCritical)

	st := b.Snapshot()
	require.Len(t, st.Storages, 2)
	assert.Equal(t, "dst", st.Storages[0].ContainerID)
	require.Len(t, st.Requests, 2)
	assert.Equal(t, stone, st.Requests[0].Type)

	containers := map[string]*inventory.Container{"src": src, "dst": dst}
	restored, _ := newBroker()
	require.NoError(t, restored.Restore(st, containers))
	assert.Equal(t, st, restored.Snapshot())

	n, err := restored.RecoverRequests(st.Requests, containers)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already queued ids are skipped")

	_, err = restored.RecoverRequests([]RequestRecord{{ID: "x", Type: wood, Amount: 1, DestinationID: "ghost"}}, containers)
	assert.Error(t, err)
}
