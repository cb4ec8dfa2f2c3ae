package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/tckz/go-pageview-counter/internal/counterstore"
	"github.com/tckz/go-pageview-counter/internal/ingest"
	"github.com/tckz/go-pageview-counter/internal/log"
	"github.com/tckz/go-pageview-counter/internal/marker"
	"github.com/tckz/go-pageview-counter/internal/tracking"
	vegeta "github.com/tsenart/vegeta/v12/lib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optWorkers            = flag.Uint64("workers", vegeta.DefaultWorkers, "Number of workers")
	optLogLevel           = flag.String("log-level", "info", "info|warn|error")
	optSubscription       = flag.String("subscription", "", "subscription name")
	optStore              = flag.String("store", counterstore.BackendDatastore, "datastore|redis|memory")
	optNameSpace          = flag.String("ns", "", "datastore namespace")
	optCredentials        = flag.String("credentials", "", "path/to/credentials.json, default ADC")
	optRedis              = flag.String("redis", "", "addr:port of redis, comma separated for cluster. also used as process marker")
	optRedisPrefix        = flag.String("redis-prefix", counterstore.DefaultRedisPrefix, "key prefix of redis")
	optMarkerTTL          = flag.Duration("marker-ttl", marker.DefaultTTL, "how long a processed message id is remembered")
	optTxnTimeout         = flag.Duration("txn-timeout", 5*time.Second, "timeout of one view recording")
	optMaxConflictRetries = flag.Int("max-conflict-retries", counterstore.DefaultMaxConflictRetries, "immediate retries on transaction conflict")
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

	if *optSubscription == "" {
		logger.Fatalf("*** --subscription must be specified.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pjID := os.Getenv("PROJECT_ID")

	cl, err := pubsub.NewClient(ctx, pjID)
	if err != nil {
		logger.Fatalf("*** pubsub.NewClient: %v", err)
	}
	defer cl.Close()

	redisAddrs := splitList(*optRedis)
	// One pool serves both the redis store and the process marker.
	var rcl redis.UniversalClient
	if len(redisAddrs) > 0 {
		rcl, err = counterstore.NewRedisClient(context.Background(), redisAddrs)
		if err != nil {
			logger.Fatalf("*** counterstore.NewRedisClient: %v", err)
		}
		if *optStore != counterstore.BackendRedis {
			defer rcl.Close()
		}
	}

	backend, err := counterstore.OpenBackend(context.Background(), counterstore.Config{
		Backend:         *optStore,
		ProjectID:       pjID,
		Namespace:       *optNameSpace,
		CredentialsFile: *optCredentials,
		RedisPrefix:     *optRedisPrefix,
		RedisClient:     rcl,
	})
	if err != nil {
		logger.Fatalf("*** counterstore.OpenBackend: %v", err)
	}
	store := counterstore.New(backend,
		counterstore.WithTimeout(*optTxnTimeout),
		counterstore.WithMaxConflictRetries(*optMaxConflictRetries))
	defer store.Close()

	var processMarker marker.ProcessMarker
	if rcl == nil {
		processMarker = marker.NewLocalMarker(*optMarkerTTL)
	} else {
		processMarker = marker.NewRedisMarker(rcl, *optRedisPrefix+":", *optMarkerTTL)
	}

	proc := ingest.NewProcessor(tracking.NewTracker(store), processMarker, logger)

	eg, ctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < *optWorkers; i++ {
		eg.Go(func() error {
			subs := cl.Subscription(*optSubscription)
			return subs.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
				switch proc.Handle(ctx, ingest.DedupeKey(msg.ID, msg.Attributes), msg.Data) {
				case ingest.Nack:
					msg.Nack()
				default:
					msg.Ack()
				}
			})
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Infof("Received signal: %v", s)
	case <-ctx.Done():
	}
	cancel()

	logger.Infof("Waiting goroutines exit")
	if err := eg.Wait(); err != nil {
		logger.Errorf("Wait: %v", err)
	}

	st := proc.Stats()
	logger.Infof("applied=%d, duplicate=%d, dropped=%d, retried=%d", st.Applied, st.Duplicate, st.Dropped, st.Retried)
}
