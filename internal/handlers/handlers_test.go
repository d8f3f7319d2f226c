package handlers

import (
	"bytes"
	"factory-logistics/internal/event"
	"factory-logistics/internal/metrics"
	"factory-logistics/internal/types"
	"factory-logistics/internal/web"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRegisterEventHandlers_UpdatesMetricsAndTracker(t *testing.T) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	var logs bytes.Buffer
	RegisterEventHandlers(bus, st, slog.New(slog.NewTextHandler(&logs, nil)))

	fulfilled := metrics.RequestsTotal.WithLabelValues("fulfilled")
	moved := metrics.UnitsMovedTotal.WithLabelValues("handlers_test_ore")
	crafted := metrics.CraftsTotal.WithLabelValues("handlers_test_furnace", "completed")
	beforeFulfilled := counterValue(t, fulfilled)
	beforeMoved := counterValue(t, moved)
	beforeCrafted := counterValue(t, crafted)

	bus.Publish(event.Event{Type: event.RequestFulfilled, RequestID: "r1", TargetID: "in", SourceID: "mine",
		Resource: "handlers_test_ore", Amount: 3, Priority: types.PriorityHigh})
	bus.Publish(event.Event{Type: event.CraftCompleted, ComponentID: "handlers_test_furnace", RecipeID: "plate"})
	bus.Publish(event.Event{Type: event.QueueChanged, ComponentID: "handlers_test_furnace", QueueLength: 4})

	assert.Equal(t, beforeFulfilled+1, counterValue(t, fulfilled))
	assert.Equal(t, beforeMoved+3, counterValue(t, moved))
	assert.Equal(t, beforeCrafted+1, counterValue(t, crafted))
	assert.Equal(t, 4.0, gaugeValue(t, metrics.StationQueueLength.WithLabelValues("handlers_test_furnace")))

	snap := st.GetStateSnapshot()
	assert.Equal(t, 1, snap.Counters.RequestsFulfilled)
	assert.Equal(t, 3, snap.Counters.UnitsMoved["handlers_test_ore"])
	assert.Equal(t, 1, snap.Counters.CraftsCompleted["plate"])
	assert.Len(t, snap.Recent, 3)
}

func TestRegisterEventHandlers_WarnsOnLostWork(t *testing.T) {
	bus := event.NewBus()
	var logs bytes.Buffer
	RegisterEventHandlers(bus, nil, slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})))

	bus.Publish(event.Event{Type: event.RequestDropped, RequestID: "r9", TargetID: "gone"})
	bus.Publish(event.Event{Type: event.RequestExpired, RequestID: "r10", TargetID: "in", Resource: "ore", Amount: 1})
	bus.Publish(event.Event{Type: event.OutputDiscarded, ComponentID: "furnace", RecipeID: "plate"})
	bus.Publish(event.Event{Type: event.CraftCompleted, ComponentID: "furnace", RecipeID: "plate"})

	out := logs.String()
	assert.Contains(t, out, "request_id=r9")
	assert.Contains(t, out, "request_id=r10")
	assert.Contains(t, out, "station_id=furnace")
	assert.Equal(t, 3, bytes.Count(logs.Bytes(), []byte("level=WARN")))
}
