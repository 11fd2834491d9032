package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/agent"
	"github.com/t77yq/agentmesh/internal/events"
	"github.com/t77yq/agentmesh/internal/executor"
	"github.com/t77yq/agentmesh/internal/model"
	"github.com/t77yq/agentmesh/internal/monitor"
	"github.com/t77yq/agentmesh/internal/scheduler"
	"github.com/t77yq/agentmesh/internal/storage"
)

func initConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("app.name", "agentmesh")
	viper.SetDefault("logging.mode", "development")

	viper.SetDefault("nats.urls", []string{nats.DefaultURL})
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)

	viper.SetDefault("pool.max_agents", 5)
	viper.SetDefault("scheduler.max_concurrent", 3)
	viper.SetDefault("scheduler.pass_interval", scheduler.DefaultPassInterval)

	viper.SetDefault("executor.mode", "local")
	viper.SetDefault("executor.max_concurrent", 4)
	viper.SetDefault("executor.resources.max_cpu_percent", 85.0)
	viper.SetDefault("executor.resources.max_memory_percent", 90.0)
	viper.SetDefault("executor.resources.max_wait", 2*time.Minute)

	viper.SetDefault("worker.enabled", false)
	viper.SetDefault("worker.max_concurrent", 4)

	viper.SetDefault("storage.db_path", "agentmesh.db")
	viper.SetDefault("storage.retention", 30*24*time.Hour)

	viper.SetDefault("monitor.metrics_interval", 15*time.Second)
	viper.SetDefault("monitor.stall_interval", 30*time.Second)
	viper.SetDefault("monitor.task_stall_threshold", 10*time.Minute)
	viper.SetDefault("monitor.agent_blocked_threshold", 30*time.Minute)

	viper.SetDefault("tasks.file", "")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil // defaults only
		}
		return err
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	if viper.GetString("logging.mode") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func connectNATS(logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DrainTimeout(30 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	url := viper.GetStringSlice("nats.urls")[0]
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	return nil, err
}

// loadFactoryConfig reads the per-agent-type runner settings. Unknown type
// names in the config are a startup error, not something to paper over.
func loadFactoryConfig() (agent.FactoryConfig, error) {
	raw := make(map[string]agent.RunnerConfig)
	if err := viper.UnmarshalKey("agents", &raw); err != nil {
		return nil, fmt.Errorf("invalid agents config: %w", err)
	}

	cfg := make(agent.FactoryConfig, len(raw))
	for name, rc := range raw {
		agentType, ok := model.ParseAgentType(name)
		if !ok {
			return nil, fmt.Errorf("unknown agent type in config: %q", name)
		}
		cfg[agentType] = rc
	}

	// Anything not configured falls back to a no-op echo command so a bare
	// config still schedules end to end.
	for _, agentType := range model.AgentTypes() {
		if _, ok := cfg[agentType]; !ok {
			cfg[agentType] = agent.RunnerConfig{
				Command: "echo",
				Args:    []string{string(agentType)},
				Timeout: time.Minute,
			}
		}
	}
	return cfg, nil
}

func loadTasks(path string) ([]*model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var tasks []*model.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	return tasks, nil
}

func main() {
	if err := initConfig(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := connectNATS(logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("failed to create JetStream context", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observer plumbing: in-process bus, forwarded onto JetStream for
	// dashboards outside the process.
	bus := events.NewBus(logger)
	forwarder, err := events.NewForwarder(js, logger)
	if err != nil {
		logger.Fatal("failed to create event forwarder", zap.Error(err))
	}
	eventCh, cancelEvents := bus.Subscribe(0)
	go forwarder.Run(ctx, eventCh)

	journal, err := storage.NewSQLiteRunJournal(logger, viper.GetString("storage.db_path"))
	if err != nil {
		logger.Fatal("failed to open run journal", zap.Error(err))
	}
	defer journal.Close()

	factoryCfg, err := loadFactoryConfig()
	if err != nil {
		logger.Fatal("failed to load agent config", zap.Error(err))
	}
	factory := agent.NewFactory(factoryCfg, logger)

	guard := executor.NewResourceGuard(executor.ResourceLimits{
		MaxCPUPercent:    viper.GetFloat64("executor.resources.max_cpu_percent"),
		MaxMemoryPercent: viper.GetFloat64("executor.resources.max_memory_percent"),
		MaxWait:          viper.GetDuration("executor.resources.max_wait"),
	}, logger)
	if err := guard.Start(ctx); err != nil {
		logger.Fatal("failed to start resource guard", zap.Error(err))
	}
	defer guard.Stop()

	pool := scheduler.NewAgentPool(viper.GetInt("pool.max_agents"), factory, bus, logger)
	graph := scheduler.NewDependencyGraph(logger)

	var exec scheduler.Executor
	var stopExec func()
	switch mode := viper.GetString("executor.mode"); mode {
	case "local":
		local := executor.NewLocalExecutor(executor.LocalConfig{
			MaxConcurrent: viper.GetInt("executor.max_concurrent"),
		}, pool, guard, journal, logger)
		exec = local
		stopExec = local.Stop
	case "nats":
		remote, err := executor.NewNATSExecutor(js, journal, logger)
		if err != nil {
			logger.Fatal("failed to create NATS executor", zap.Error(err))
		}
		exec = remote
		stopExec = remote.Stop

		if viper.GetBool("worker.enabled") {
			worker, err := executor.NewWorker(executor.WorkerConfig{
				MaxConcurrent: viper.GetInt("worker.max_concurrent"),
			}, js, factory, guard, logger)
			if err != nil {
				logger.Fatal("failed to create worker", zap.Error(err))
			}
			if err := worker.Start(ctx); err != nil {
				logger.Fatal("failed to start worker", zap.Error(err))
			}
			defer worker.Stop()
		}
	default:
		logger.Fatal("unknown executor mode", zap.String("mode", mode))
	}
	defer stopExec()

	sched := scheduler.New(scheduler.Config{
		MaxAgents:     viper.GetInt("pool.max_agents"),
		MaxConcurrent: viper.GetInt("scheduler.max_concurrent"),
		PassInterval:  viper.GetDuration("scheduler.pass_interval"),
	}, graph, pool, exec, bus, logger)

	metrics := monitor.NewPoolMetrics(pool, js, viper.GetDuration("monitor.metrics_interval"), logger)
	if err := metrics.Start(ctx); err != nil {
		logger.Fatal("failed to start pool metrics", zap.Error(err))
	}
	defer metrics.Stop()

	stall := monitor.NewStallDetector(sched, pool, metrics, js, viper.GetDuration("monitor.stall_interval"), logger)
	stall.AddRule(&model.AlertRule{
		Name:      "task waiting too long",
		Type:      model.AlertTypeTaskStalled,
		Threshold: viper.GetDuration("monitor.task_stall_threshold"),
		Severity:  model.AlertSeverityWarning,
	})
	stall.AddRule(&model.AlertRule{
		Name:      "agent blocked too long",
		Type:      model.AlertTypeAgentBlocked,
		Threshold: viper.GetDuration("monitor.agent_blocked_threshold"),
		Severity:  model.AlertSeverityError,
	})
	stall.AddRule(&model.AlertRule{
		Name:     "host saturated",
		Type:     model.AlertTypeResourceUsage,
		Limit:    viper.GetFloat64("executor.resources.max_cpu_percent"),
		Severity: model.AlertSeverityCritical,
	})
	if err := stall.Start(ctx); err != nil {
		logger.Fatal("failed to start stall detector", zap.Error(err))
	}
	defer stall.Stop()

	// Templates fire into the live scheduler only between runs; a batch
	// arriving mid-run is dropped rather than clobbering in-flight state.
	recurring := scheduler.NewRecurringScheduler(func(template model.RecurringTemplate, tasks []*model.Task) {
		if !sched.Finished() {
			logger.Warn("skipping recurring batch, run still in progress",
				zap.String("template", template.Name))
			return
		}
		if err := sched.Load(tasks); err != nil {
			logger.Error("failed to load recurring batch",
				zap.String("template", template.Name),
				zap.Error(err))
		}
	}, logger)
	recurring.Start()
	defer recurring.Stop()

	if path := viper.GetString("tasks.file"); path != "" {
		tasks, err := loadTasks(path)
		if err != nil {
			logger.Fatal("failed to load tasks", zap.String("path", path), zap.Error(err))
		}
		if err := sched.Load(tasks); err != nil {
			var cycleErr *scheduler.CycleError
			if errors.As(err, &cycleErr) {
				logger.Fatal("task list contains a dependency cycle",
					zap.Ints("cycle", cycleErr.Cycle))
			}
			logger.Fatal("failed to load tasks", zap.Error(err))
		}
	}

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// Periodic housekeeping: surface recent runs, prune old journal rows.
	go func() {
		statusTicker := time.NewTicker(time.Minute)
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer statusTicker.Stop()
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-statusTicker.C:
				counts, err := journal.CountByStatus(ctx)
				if err != nil {
					logger.Error("failed to count runs", zap.Error(err))
					continue
				}
				logger.Info("run totals",
					zap.Int("completed", counts[model.TaskStatusCompleted]),
					zap.Int("failed", counts[model.TaskStatusFailed]))
			case <-cleanupTicker.C:
				cutoff := time.Now().Add(-viper.GetDuration("storage.retention"))
				if err := journal.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("failed to prune run journal", zap.Error(err))
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	sched.Stop()
	cancel()
	cancelEvents()
	bus.Close()

	logger.Info("server shutting down gracefully")
}
