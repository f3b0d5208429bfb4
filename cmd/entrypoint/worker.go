package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/metrics"
	"github.com/oriys/entrypoint/internal/observability"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/queue"
	"github.com/oriys/entrypoint/internal/taskqueue"
	"github.com/oriys/entrypoint/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		queues      []string
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool executing queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("queue") {
				cfg.Workers.Queues = queues
			}
			if flags.Changed("concurrency") {
				cfg.Workers.Concurrency = concurrency
			}
			if flags.Changed("metrics") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Telemetry); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())
			metrics.InitPrometheus("entrypoint", nil)

			backendURL := cfg.Queue.ResultBackendURL
			if backendURL == "" {
				backendURL = cfg.Queue.BrokerURL
			}
			broker, err := queue.DialRedisBroker(cfg.Queue.BrokerURL, cfg.Queue.Prefix)
			if err != nil {
				return err
			}
			defer broker.Close()
			backend, err := queue.DialRedisBackend(backendURL, cfg.Queue.Prefix)
			if err != nil {
				return err
			}
			defer backend.Disconnect()
			if err := broker.Ping(ctx); err != nil {
				return err
			}

			wc := cfg.ToWorker()
			reg := worker.NewRegistry()
			if err := registerEcho(reg, cfg.Worker, wc.Queues); err != nil {
				return err
			}

			var srv *http.Server
			if cfg.Daemon.MetricsAddr != "" {
				srv = startOpsServer(cfg.Daemon.MetricsAddr, broker)
			}

			pool := worker.New(broker, backend, reg, wc)
			pool.Start()

			<-ctx.Done()
			logging.Op().Info("shutting down worker")
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				srv.Shutdown(shutdownCtx)
				cancel()
			}
			return pool.Stop()
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queue", "Q", nil, "Queues to consume, repeatable or comma separated")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of worker goroutines")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address of the /metrics and /healthz endpoints")

	return cmd
}

// registerEcho binds the demo echo handler for get and post on every queue.
// Queue names double as routing keys, except the default queue which serves
// clients without a key.
func registerEcho(reg *worker.Registry, namespace string, queues []string) error {
	echo := func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{
			"args":    args,
			"context": propagation.ValuesFrom(ctx),
		}, nil
	}
	for _, q := range queues {
		key := q
		if q == taskqueue.DefaultQueue {
			key = ""
		}
		for _, method := range []string{"get", "post"} {
			if err := reg.RegisterEntrypoint(namespace, key, "echo", method, echo); err != nil {
				return err
			}
		}
	}
	return nil
}

func startOpsServer(addr string, broker queue.Broker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := broker.Ping(r.Context()); err != nil {
			http.Error(w, strings.TrimSpace(err.Error()), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: observability.HTTPMiddleware(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("ops server failed", "addr", addr, "error", err)
			os.Exit(1)
		}
	}()
	logging.Op().Info("ops server listening", "addr", addr)
	return srv
}
