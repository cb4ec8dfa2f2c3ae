package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/tckz/go-pageview-counter/internal/counterstore"
	"github.com/tckz/go-pageview-counter/internal/log"
	"github.com/tckz/go-pageview-counter/internal/tracking"
	"go.uber.org/zap"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optLogLevel    = flag.String("log-level", "info", "info|warn|error")
	optStore       = flag.String("store", counterstore.BackendDatastore, "datastore|redis")
	optNameSpace   = flag.String("ns", "", "datastore namespace")
	optCredentials = flag.String("credentials", "", "path/to/credentials.json, default ADC")
	optRedis       = flag.String("redis", "", "addr:port of redis, comma separated for cluster")
	optRedisPrefix = flag.String("redis-prefix", counterstore.DefaultRedisPrefix, "key prefix of redis")
	optPath        = flag.String("path", "", "print only the counter of this page path")
	optVerify      = flag.Bool("verify", false, "exit 1 unless total equals the sum of page counters")
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

	ctx, cancel := context.WithCancel(context.Background())
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
	store := counterstore.New(backend)
	defer store.Close()

	if *optPath != "" {
		c, err := tracking.NewTracker(store).Counts(ctx, *optPath)
		if err != nil {
			logger.Fatalf("*** Counts: %v", err)
		}
		fmt.Printf("Key=%s, Path=%s, Count=%s, Total=%s\n",
			c.Key, tracking.PagePath(c.Key), humanize.Comma(c.Page), humanize.Comma(c.Total))
		return
	}

	scanner, ok := backend.(counterstore.Scanner)
	if !ok {
		logger.Fatalf("*** %s backend cannot be scanned", *optStore)
	}

	a, err := tracking.RunAudit(ctx, scanner)
	if err != nil {
		logger.Fatalf("*** RunAudit: %v", err)
	}
	for _, p := range a.Pages {
		fmt.Printf("Key=%s, Path=%s, Count=%s\n", p.Key, p.Path, humanize.Comma(p.Count))
	}
	fmt.Printf("Pages=%s, Sum=%s, Total=%s\n", humanize.Comma(int64(len(a.Pages))), humanize.Comma(a.Sum), humanize.Comma(a.Total))

	if *optVerify && !a.Consistent() {
		logger.Errorf("*** total=%d does not match sum=%d", a.Total, a.Sum)
		store.Close()
		os.Exit(1)
	}

	logger.Info("done")
}
