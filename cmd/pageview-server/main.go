package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/tckz/go-pageview-counter/internal/counterstore"
	"github.com/tckz/go-pageview-counter/internal/log"
	"github.com/tckz/go-pageview-counter/internal/server"
	"github.com/tckz/go-pageview-counter/internal/tracking"
	"go.uber.org/zap"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optLogLevel           = flag.String("log-level", "info", "debug|info|warn|error")
	optAddr               = flag.String("addr", "", "listen address, default :$PORT or :8080")
	optStore              = flag.String("store", counterstore.BackendDatastore, "datastore|redis|memory")
	optNameSpace          = flag.String("ns", "", "datastore namespace")
	optCredentials        = flag.String("credentials", "", "path/to/credentials.json, default ADC")
	optRedis              = flag.String("redis", "", "addr:port of redis, comma separated for cluster")
	optRedisPrefix        = flag.String("redis-prefix", counterstore.DefaultRedisPrefix, "key prefix of redis")
	optTxnTimeout         = flag.Duration("txn-timeout", 5*time.Second, "timeout of one view recording")
	optMaxConflictRetries = flag.Int("max-conflict-retries", counterstore.DefaultMaxConflictRetries, "immediate retries on transaction conflict")
	optAllowOrigins       = flag.String("allow-origins", "", "comma separated CORS origins, empty allows any")
	optShutdownTimeout    = flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
)

func init() {
	godotenv.Load()

	flag.Parse()

	logger = log.Must(log.NewLogger(log.WithLogLevel(*optLogLevel))).Sugar().With(zap.String("app", myName))
}

func splitList(s string) []string {
	return lo.Filter(lo.Map(strings.Split(s, ","), func(v string, _ int) string { return strings.TrimSpace(v) }),
		func(v string, _ int) bool { return v != "" })
}

func main() {
	logger.Infof("ver=%s, args=%s", version, os.Args)
	defer logger.Infof("done")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := counterstore.OpenBackend(context.Background(), counterstore.Config{
		Backend:         *optStore,
		ProjectID:       os.Getenv("PROJECT_ID"),
		Namespace:       *optNameSpace,
		CredentialsFile: *optCredentials,
		RedisAddrs:      splitList(*optRedis),
		RedisPrefix:     *optRedisPrefix,
	})
	if err != nil {
		logger.Fatalf("*** counterstore.OpenBackend: %v", err)
	}
	store := counterstore.New(backend,
		counterstore.WithTimeout(*optTxnTimeout),
		counterstore.WithMaxConflictRetries(*optMaxConflictRetries))
	defer store.Close()

	if *optLogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(server.Config{
		Recorder:     tracking.NewTracker(store),
		Logger:       logger,
		AllowOrigins: splitList(*optAllowOrigins),
	})

	addr := *optAddr
	if addr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		addr = ":" + port
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listen=%s, store=%s", addr, *optStore)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Infof("Received signal: %v", ctx.Err())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("*** ListenAndServe: %v", err)
			return
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), *optShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Errorf("Shutdown: %v", err)
	}
}
