// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"node-coordinator/pkg/aggregation"
	"node-coordinator/pkg/api"
	"node-coordinator/pkg/cache"
	"node-coordinator/pkg/config"
	"node-coordinator/pkg/cron"
	"node-coordinator/pkg/database"
	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
	"node-coordinator/pkg/quota"
	"node-coordinator/pkg/ratelimit"
	"node-coordinator/pkg/tasks"
	"node-coordinator/pkg/ws"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "node-coordinator",
	Short: "Coordinates tasks, bandwidth reports and websocket fan-out for edge nodes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(config.New(configFile))
		if err != nil {
			logger.Error("Error loading config", "error", err)
			os.Exit(1)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket endpoint and aggregation consumer",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := initDB(ctx)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		rdb, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Error connecting to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		clk := clock.New()
		m := newCollector()
		policies := map[string]ratelimit.Policy{}
		for _, endpoint := range []string{tasks.EndpointGetTask, tasks.EndpointSubmitTask, api.EndpointSubmitBandwidth} {
			policies[endpoint] = ratelimit.PolicyFor(cfg.FailOpen(endpoint))
		}

		taskOpts := tasks.Options{Policies: policies, Clock: clk, Logger: logger, Metrics: m}
		apiOpts := api.Options{Policies: policies, TokenExpire: cfg.TokenExpire, Clock: clk, Logger: logger, Metrics: m}
		if cfg.RateLimit.Enabled {
			limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, logger)
			taskOpts.Limiter = limiter
			apiOpts.Limiter = limiter
		}
		if cfg.TaskLimit.Enabled {
			taskOpts.Quota = quota.New(rdb, quota.Config{
				Limit:            cfg.TaskLimit.Limit,
				Bonus:            cfg.TaskLimit.Bonus,
				BaseWindow:       cfg.TokenExpire,
				ExpireMultiplier: cfg.TaskLimit.ExpireMultiplier,
			})
		}

		pipeline := aggregation.NewPipeline(db, cfg.Aggregation, clk, logger, m)
		taskService := tasks.NewService(db, taskOpts)
		service := api.NewService(taskService, db, pipeline, rdb, apiOpts)
		server := api.NewServer(service, cfg.IsLocal(), logger)

		cm := ws.NewConnectionManager(clk, cfg.WS, logger, m)
		wsHandler := ws.NewHandler(cm, db, server.Address, cfg.WS.SinkBuffer, logger)

		var wg sync.WaitGroup
		run := func(f func(context.Context)) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f(ctx)
			}()
		}
		if cfg.WS.PingInterval > 0 {
			cm.Scheduler.ScheduleEvery([]models.WsServerMessage{{Type: models.WsPing}}, cfg.WS.PingInterval)
		}
		run(pipeline.Run)
		run(cm.Scheduler.Run)
		run(func(ctx context.Context) { cm.RunScheduled(ctx, cfg.WS.WindowSize) })
		if serverID, err := cfg.ServerUserID(); err != nil {
			logger.Warn("Cron reports disabled", "error", err)
		} else if err := db.CreateServerUser(ctx, serverID); err != nil {
			logger.Warn("Cron reports disabled", "error", err)
		} else {
			run(func(ctx context.Context) { cm.RunReports(ctx, db, serverID) })
		}

		mux := http.NewServeMux()
		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = metrics.Handler()
		}
		server.Routes(mux, wsHandler, metricsHandler)

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Error shutting down http server", "error", err)
			}
		}()

		logger.Info("Listening", "addr", cfg.HTTPAddr, "environment", cfg.AppEnvironment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Error serving http", "error", err)
			stop()
		}
		wg.Wait()
		logger.Info("Server stopped")
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the bonus distribution and RPC task cron loops",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := initDB(ctx)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		clk := clock.New()
		m := newCollector()
		var wg sync.WaitGroup
		start := func(loop cron.Loop) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				loop.Run(ctx)
			}()
		}

		if cfg.Bonus.Enabled {
			distributor := cron.NewBonusDistributor(db, models.AggregateName(cfg.Bonus.Metric), logger, m)
			start(cron.Loop{
				Name:     "bonus",
				Interval: cfg.Bonus.Interval,
				Job:      distributor.Job(cfg.Bonus.Value),
				Clock:    clk,
				Logger:   logger,
				Metrics:  m,
			})
		}

		producer, err := cron.NewRPCTaskProducer(cfg, db, logger)
		if err != nil {
			logger.Error("RPC task cron disabled", "error", err)
		} else if err := producer.Init(ctx); err != nil {
			logger.Error("RPC task cron disabled", "error", err)
		} else {
			start(cron.Loop{
				Name:     "rpc_tasks",
				Interval: cfg.RPCInterval(),
				Job:      producer.Produce,
				Clock:    clk,
				Logger:   logger,
				Metrics:  m,
			})
		}

		if m != nil {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", metrics.Handler())
				srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				if err := srv.ListenAndServe(); err != nil {
					logger.Warn("Metrics listener stopped", "error", err)
				}
			}()
		}

		wg.Wait()
		logger.Info("Worker stopped")
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema and the server user",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db, err := initDB(ctx)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if serverID, err := cfg.ServerUserID(); err == nil {
			if err := db.CreateServerUser(ctx, serverID); err != nil {
				logger.Error("Error creating server user", "error", err)
				os.Exit(1)
			}
		}
		logger.Info("Database initialized successfully")
	},
}

var addTasksCmd = &cobra.Command{
	Use:   "add-tasks [file]",
	Short: "Add tasks from a JSON-lines file, owned by the server user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		serverID, err := cfg.ServerUserID()
		if err != nil {
			logger.Error("Error reading server identity", "error", err)
			os.Exit(1)
		}

		db, err := initDB(ctx)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.CreateServerUser(ctx, serverID); err != nil {
			logger.Error("Error creating server user", "error", err)
			os.Exit(1)
		}
		n, err := tasks.AddTasksFromFile(ctx, db, args[0], serverID)
		if err != nil {
			logger.Error("Error adding tasks", "error", err)
			os.Exit(1)
		}
		pending, err := db.CountTasks(ctx, models.TaskPending)
		if err != nil {
			logger.Warn("Error counting pending tasks", "error", err)
		}
		logger.Info("Tasks added successfully", "count", n, "pending", pending)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: search ./config.yaml, $HOME/.node-coordinator, /etc/node-coordinator)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(addTasksCmd)
}

func newCollector() *metrics.Collector {
	if !cfg.MetricsEnabled {
		return nil
	}
	return metrics.NewCollector(prometheus.DefaultRegisterer)
}

func initDB(ctx context.Context) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
