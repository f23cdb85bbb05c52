// Command flow-worker runs one workflow event processing host. It connects
// to Redis (stream, locks) and MongoDB (store), starts the worker service and
// serves health and metrics over HTTP until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	lockredis "goa.design/flow/features/lock/redis"
	storemongo "goa.design/flow/features/store/mongo"
	streampulse "goa.design/flow/features/stream/pulse"
	"goa.design/flow/runtime/worker"
	"goa.design/flow/runtime/workflow"
	"goa.design/flow/runtime/workflow/actions"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to optional YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF, envSecrets{})
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.addr(),
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "connect to redis at %s", cfg.Redis.addr())
	}

	store, err := storemongo.New(ctx, storemongo.Options{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		log.Fatalf(ctx, err, "connect to mongo")
	}

	locks, err := lockredis.New(lockredis.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "create lock service")
	}
	stream, err := streampulse.New(streampulse.Options{
		Redis:  rdb,
		MaxLen: cfg.StreamMaxLen,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create stream client")
	}

	registry, err := actions.New(actions.Options{Results: store, Transactor: store})
	if err != nil {
		log.Fatalf(ctx, err, "create action registry")
	}
	rt, err := workflow.New(workflow.Options{
		Store:    store,
		Locks:    locks,
		Stream:   stream,
		Actions:  registry,
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create runtime")
	}

	svc, err := worker.New(worker.Options{
		Runtime: rt,
		Store:   store,
		Stream:  stream,
		Config:  cfg.Worker,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create worker")
	}
	ctx = log.With(ctx, log.KV{K: "worker_id", V: svc.WorkerID()})

	if err := svc.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start worker")
	}

	httpSrv := serveHTTP(ctx, cfg.HTTPPort, svc, store, locks)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigc
	log.Printf(ctx, "received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Worker.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "stop worker")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shut down http server")
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "close mongo")
	}
	if err := rdb.Close(); err != nil {
		log.Errorf(ctx, err, "close redis")
	}
	log.Printf(ctx, "worker exited")
}

// serveHTTP exposes liveness, readiness and the worker's health and metrics
// snapshots.
func serveHTTP(ctx context.Context, port string, svc *worker.Service, pingers ...health.Pinger) *http.Server {
	mux := http.NewServeMux()
	checker := health.NewChecker(pingers...)
	mux.Handle("GET /healthz", health.Handler(checker))
	mux.Handle("GET /livez", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("GET /health", snapshotHandler(func() any { return svc.Health() }))
	mux.Handle("GET /metrics", snapshotHandler(func() any { return svc.Metrics() }))

	srv := &http.Server{
		Addr:    net.JoinHostPort("", port),
		Handler: log.HTTP(ctx)(mux),
	}
	go func() {
		log.Printf(ctx, "http server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "http server")
		}
	}()
	return srv
}

func snapshotHandler(snap func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
