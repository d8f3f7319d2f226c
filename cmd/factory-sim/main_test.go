package main

import (
	"factory-logistics/internal/config"
	"factory-logistics/internal/engine"
	"factory-logistics/internal/event"
	"factory-logistics/internal/handlers"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/persistence"
	"factory-logistics/internal/types"
	"factory-logistics/internal/web"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestIDs(v engine.View) []string {
	ids := make([]string, 0, len(v.Requests))
	for _, r := range v.Requests {
		ids = append(ids, r.ID)
	}
	return ids
}

// boot 按 run 命令的顺序搭建一次：WAL -> 模拟 -> 快照库 -> 恢复
func boot(t *testing.T, cfg *config.Config, logger *slog.Logger) (*engine.Simulation, *persistence.WAL, *persistence.Store, *web.StateTracker) {
	t.Helper()
	bus := event.NewBus()
	tracker := web.NewStateTracker(nil)
	handlers.RegisterEventHandlers(bus, tracker, logger)

	wal, err := persistence.NewWAL(cfg.Persistence.WALPath)
	require.NoError(t, err)
	recovered, err := wal.Recover()
	require.NoError(t, err)

	sim, err := engine.NewSimulation(cfg, bus, logger, logistics.WithJournal(wal))
	require.NoError(t, err)

	store, err := persistence.OpenStore(cfg.Persistence.StateDB)
	require.NoError(t, err)

	require.NoError(t, restore(sim, store, wal, recovered, logger))
	return sim, wal, store, tracker
}

func TestRestartResumesFromSnapshotAndWAL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.LoadConfig("../../config.yaml")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Persistence.WALPath = filepath.Join(dir, "requests.wal")
	cfg.Persistence.StateDB = filepath.Join(dir, "factory.db")

	// 第一次启动：跑几个策略周期后保存快照
	sim, wal, store, tracker := boot(t, cfg, logger)
	sim.SetObserver(tracker.UpdateView)
	for i := 0; i < 40; i++ {
		sim.Step(cfg.FrameInterval.Seconds())
	}
	require.NoError(t, store.Save(sim.Snapshot()))
	snapshotFrames := sim.Frames()
	assert.Positive(t, tracker.GetStateSnapshot().Counters.RequestsSubmitted)

	// 快照之后提交的请求只存在于 WAL 中
	id, err := sim.SubmitRequest("gear", 1, "plate_store", types.PriorityCritical)
	require.NoError(t, err)
	want := requestIDs(sim.View())
	require.Contains(t, want, id)

	// 模拟崩溃：不做停机保存
	require.NoError(t, wal.Close())
	require.NoError(t, store.Close())

	sim2, wal2, store2, _ := boot(t, cfg, logger)
	defer wal2.Close()
	defer store2.Close()

	assert.Equal(t, snapshotFrames, sim2.Frames())
	assert.Equal(t, want, requestIDs(sim2.View()), "pending queue comes from the WAL")
	assert.Equal(t, sim.Snapshot().Containers, sim2.Snapshot().Containers)

	// 恢复时已压缩 WAL，再次读取得到同一队列
	live, err := wal2.Recover()
	require.NoError(t, err)
	assert.Len(t, live, len(want))
}

func TestRestoreWithoutSnapshotReplaysWAL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.LoadConfig("../../config.yaml")
	require.NoError(t, err)
	cfg.Persistence.WALPath = filepath.Join(t.TempDir(), "requests.wal")

	wal, err := persistence.NewWAL(cfg.Persistence.WALPath)
	require.NoError(t, err)
	sim, err := engine.NewSimulation(cfg, nil, logger, logistics.WithJournal(wal))
	require.NoError(t, err)
	_, err = sim.SubmitRequest("iron_plate", 2, "assembler_in", types.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	wal, err = persistence.NewWAL(cfg.Persistence.WALPath)
	require.NoError(t, err)
	defer wal.Close()
	recovered, err := wal.Recover()
	require.NoError(t, err)
	sim2, err := engine.NewSimulation(cfg, nil, logger, logistics.WithJournal(wal))
	require.NoError(t, err)

	require.NoError(t, restore(sim2, nil, wal, recovered, logger))
	require.Len(t, sim2.View().Requests, 1)
	assert.Equal(t, 2, sim2.View().Requests[0].Amount)
}
