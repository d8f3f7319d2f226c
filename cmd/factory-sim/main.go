package main

import (
	"context"
	"errors"
	"factory-logistics/internal/api"
	"factory-logistics/internal/config"
	"factory-logistics/internal/engine"
	"factory-logistics/internal/event"
	"factory-logistics/internal/handlers"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/persistence"
	"factory-logistics/internal/web"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

// main 是应用程序的主入口
func main() {
	rootCmd := &cobra.Command{
		Use:   "factory-sim",
		Short: "工厂资源物流模拟",
		Long: `按配置搭建容器、工站、传送带和分流器，
由物流代理在存储节点之间按优先级调度资源。`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径 (默认在 . 和 ./configs 查找 config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出 Debug 日志")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "启动模拟、HTTP API 和 WebSocket 推送",
		RunE:  runSimulation,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "校验配置并尝试搭建布局",
		RunE:  validateLayout,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// validateLayout 只加载配置和搭建布局，不启动模拟
func validateLayout(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	sim, err := engine.NewSimulation(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("搭建布局失败: %w", err)
	}
	l := sim.Layout()
	fmt.Fprintf(cmd.OutOrStdout(), "配置有效: %d 个配方, %d 个容器, %d 个工站, %d 段传送带, %d 个分流器, %d 个存储节点\n",
		len(cfg.Recipes), len(l.Containers), len(l.Stations), len(l.Segments), len(l.Routers), len(sim.Broker().Nodes()))
	return nil
}

// runSimulation 初始化核心组件并运行到收到停机信号
func runSimulation(cmd *cobra.Command, args []string) error {
	// 1. 初始化核心组件
	logger := newLogger()
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)

	eventBus := event.NewBus()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. 请求预写日志
	var (
		wal       *persistence.WAL
		recovered []logistics.RequestRecord
		opts      []logistics.Option
	)
	if cfg.Persistence.WALPath != "" {
		wal, err = persistence.NewWAL(cfg.Persistence.WALPath)
		if err != nil {
			logger.Error("无法初始化 WAL", "error", err)
			return err
		}
		defer wal.Close()
		if recovered, err = wal.Recover(); err != nil {
			logger.Error("读取 WAL 失败", "error", err)
			return err
		}
		opts = append(opts, logistics.WithJournal(wal))
	}

	// 4. 搭建布局
	sim, err := engine.NewSimulation(cfg, eventBus, logger, opts...)
	if err != nil {
		logger.Error("搭建布局失败", "error", err)
		return err
	}

	// 5. 恢复快照和未完成的请求
	var store *persistence.Store
	if cfg.Persistence.StateDB != "" {
		store, err = persistence.OpenStore(cfg.Persistence.StateDB)
		if err != nil {
			logger.Error("打开快照库失败", "error", err)
			return err
		}
		defer store.Close()
	}
	if err := restore(sim, store, wal, recovered, logger); err != nil {
		logger.Warn("恢复状态失败，从配置的初始状态开始", "error", err)
	}

	logger.Info("=== 工厂资源物流模拟启动 ===",
		"containers", len(sim.Layout().Containers), "stations", len(sim.Layout().Stations),
		"pending_requests", sim.Broker().PendingCount())

	// 6. 启动模拟循环、定期快照和 API 服务
	sim.SetObserver(stateTracker.UpdateView)
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		sim.Run(ctx)
	}()
	if store != nil && cfg.Persistence.SaveInterval > 0 {
		go saveLoop(ctx, sim, store, cfg.Persistence.SaveInterval, logger)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(sim, stateTracker, hub, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("API 和 WebSocket 服务器启动", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 7. 优雅停机
	waitForShutdown(ctx, logger)
	cancel()
	<-simDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 API 服务器超时", "error", err)
	}
	if store != nil {
		if err := store.Save(sim.Snapshot()); err != nil {
			logger.Error("停机快照保存失败", "error", err)
		}
	}
	if wal != nil {
		if err := wal.Compact(sim.Snapshot().Broker.Requests); err != nil {
			logger.Warn("压缩 WAL 失败", "error", err)
		}
	}
	logger.Info("模拟结束，系统已安全退出。", "frames", sim.Frames())
	return nil
}

// restore 先载入快照，再用 WAL 中未结束的请求替换快照里的请求队列
// WAL 比快照新，请求以 WAL 为准
func restore(sim *engine.Simulation, store *persistence.Store, wal *persistence.WAL, recovered []logistics.RequestRecord, logger *slog.Logger) error {
	restored := false
	if store != nil {
		st, ok, err := store.Load()
		if err != nil {
			return err
		}
		if ok {
			if wal != nil {
				st.Broker.Requests = recovered
			}
			if err := sim.Restore(st); err != nil {
				return err
			}
			restored = true
			logger.Info("已从快照恢复", "frames", st.Frames, "requests", len(st.Broker.Requests))
		}
	}
	if wal == nil {
		return nil
	}
	if !restored && len(recovered) > 0 {
		n, err := sim.RecoverRequests(recovered)
		if err != nil {
			logger.Warn("部分请求无法恢复", "error", err)
		}
		logger.Info("已从 WAL 恢复请求", "requests", n)
	}
	return wal.Compact(sim.Snapshot().Broker.Requests)
}

// saveLoop 定期把模拟状态写入快照库
func saveLoop(ctx context.Context, sim *engine.Simulation, store *persistence.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(sim.Snapshot()); err != nil {
				logger.Error("定期快照保存失败", "error", err)
				continue
			}
			logger.Debug("定期快照已保存", "frames", sim.Frames())
		}
	}
}

// waitForShutdown 等待系统信号或 ctx 被取消
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}
}
