package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/tckz/go-pageview-counter/internal/counterstore"
	"github.com/tckz/go-pageview-counter/internal/log"
	"github.com/tckz/go-pageview-counter/internal/tracking"
	vh "github.com/tckz/vegetahelper"
	vegeta "github.com/tsenart/vegeta/v12/lib"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optRate = &vh.RateFlag{
		Rate: &vegeta.Rate{
			Freq: 30,
			Per:  1 * time.Second,
		}}
	optDuration    = flag.Duration("duration", 10*time.Second, "Duration of the test [0 = forever]")
	optOutput      = flag.String("output", "", "/path/to/results.bin or 'stdout'")
	optWorkers     = flag.Uint64("workers", vegeta.DefaultWorkers, "Number of workers")
	optLogLevel    = flag.String("log-level", "info", "info|warn|error")
	optStore       = flag.String("store", counterstore.BackendDatastore, "datastore|redis|memory, used unless --target-url")
	optNameSpace   = flag.String("ns", "", "datastore namespace")
	optRedis       = flag.String("redis", "", "addr:port of redis, comma separated for cluster")
	optRedisPrefix = flag.String("redis-prefix", counterstore.DefaultRedisPrefix, "key prefix of redis")
	optTargetURL   = flag.String("target-url", "", "https://host/track, record views through the HTTP endpoint")
	optAudience    = flag.String("audience", "", "aud of id token attached to requests, empty sends none")
	optPages       = flag.String("pages", "/,/about,/blog,/blog/hello-world,/contact", "comma separated page paths to pick from")
	optUniqueRatio = flag.Float64("unique-ratio", 0, "ratio of views to a never seen page, 0..1")
)

func init() {
	godotenv.Load()

	flag.Var(optRate, "rate", "Number of requests per time unit")
	flag.Parse()

	logger = log.Must(log.NewLogger(log.WithLogLevel(*optLogLevel))).Sugar().With(zap.String("app", myName))
}

type nopWriteCloser struct {
	io.Writer
}

func (c nopWriteCloser) Close() error {
	return nil
}

func openResultFile(out string) (io.WriteCloser, error) {
	switch out {
	case "stdout":
		return &nopWriteCloser{os.Stdout}, nil
	default:
		return os.Create(out)
	}
}

func splitList(s string) []string {
	return lo.Filter(lo.Map(strings.Split(s, ","), func(v string, _ int) string { return strings.TrimSpace(v) }),
		func(v string, _ int) bool { return v != "" })
}

type recordFunc func(ctx context.Context, page string) error

func httpRecorder(ctx context.Context, targetURL, audience string) (recordFunc, error) {
	client := http.DefaultClient
	if audience != "" {
		cl, err := idtoken.NewClient(ctx, audience)
		if err != nil {
			return nil, fmt.Errorf("idtoken.NewClient: %w", err)
		}
		client = cl
	}

	return func(ctx context.Context, page string) error {
		body, err := json.Marshal(tracking.Event{PagePath: page})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("POST %s: status=%d", targetURL, res.StatusCode)
		}
		return nil
	}, nil
}

func main() {
	logger.Infof("ver=%s, args=%s", version, os.Args)
	defer logger.Infof("done")

	if *optOutput == "" {
		logger.Fatalf("*** --output must be specified.")
	}

	pages := splitList(*optPages)
	if len(pages) == 0 {
		logger.Fatalf("*** --pages must not be empty.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var record recordFunc
	if *optTargetURL != "" {
		r, err := httpRecorder(context.Background(), *optTargetURL, *optAudience)
		if err != nil {
			logger.Fatalf("*** httpRecorder: %v", err)
		}
		record = r
	} else {
		backend, err := counterstore.OpenBackend(context.Background(), counterstore.Config{
			Backend:     *optStore,
			ProjectID:   os.Getenv("PROJECT_ID"),
			Namespace:   *optNameSpace,
			RedisAddrs:  splitList(*optRedis),
			RedisPrefix: *optRedisPrefix,
		})
		if err != nil {
			logger.Fatalf("*** counterstore.OpenBackend: %v", err)
		}
		store := counterstore.New(backend)
		defer store.Close()
		record = tracking.NewTracker(store).RecordView
	}

	atk := vh.NewAttacker(func(ctx context.Context) (result *vh.HitResult, retErr error) {
		page := pages[rand.IntN(len(pages))]
		if rand.Float64() < *optUniqueRatio {
			page = "/unique/" + uuid.New().String()
		}
		if err := record(ctx, page); err != nil {
			return nil, err
		}

		return result, nil
	}, vh.WithWorkers(*optWorkers))
	res := atk.Attack(ctx, *optRate.Rate, *optDuration, "load-random")

	out, err := openResultFile(*optOutput)
	if err != nil {
		logger.Fatal(err)
	}
	defer out.Close()
	enc := vegeta.NewEncoder(out)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)

loop:
	for {
		select {
		case s := <-sig:
			logger.Infof("Received signal: %s", s)
			cancel()
			// keep loop until 'res' is closed.
		case r, ok := <-res:
			if !ok {
				break loop
			}
			if err := enc.Encode(r); err != nil {
				logger.Errorf("*** Encode: %v", err)
				break loop
			}
		}
	}

	cancel()
}
