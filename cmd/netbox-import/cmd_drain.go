package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/config"
	"github.com/gustycube/netbox-import/internal/logging"
	"github.com/gustycube/netbox-import/internal/queue"
)

var (
	drainMax     int
	drainFollow  bool
	drainRecover bool
	drainLease   time.Duration
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Print rows queued on the Redis hand-off list",
	Long: `Lease rows pushed by "netbox-import import --push" and print each one as a
JSON line on stdout. A row is acknowledged only after it was written.

Without --follow the command stops once the list stays empty for one lease
window.`,
	Example: `  netbox-import drain --redis-queue-addr 127.0.0.1:6379
  netbox-import drain --follow --recover > rows.jsonl`,
	RunE: runDrain,
}

func init() {
	rootCmd.AddCommand(drainCmd)

	f := drainCmd.Flags()
	f.String("redis-queue-addr", "", "Redis address")
	f.String("redis-queue-key", "", "Redis list key")
	f.IntVar(&drainMax, "max", 0, "stop after this many rows (0 for no limit)")
	f.BoolVar(&drainFollow, "follow", false, "keep waiting for new rows")
	f.BoolVar(&drainRecover, "recover", false, "requeue rows left unacknowledged by a previous consumer")
	f.DurationVar(&drainLease, "lease", 5*time.Second, "how long one lease waits for a row")
}

// drain needs no NetBox access, so it skips the base url validation.
func drainConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()
	cfg.MergeWithFlags(changedFlags(cmd.Flags()))
	if cfg.RedisQueueAddr == "" {
		return nil, errors.New("drain needs redis_queue_addr (flag, config or REDIS_QUEUE_ADDR)")
	}
	return cfg, nil
}

func runDrain(cmd *cobra.Command, _ []string) error {
	cfg, err := drainConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New()
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, drainLease)
	if err != nil {
		return err
	}
	defer q.Close()

	if drainRecover {
		n, err := q.Recover(ctx)
		if err != nil {
			return err
		}
		log.Infow("requeued unacknowledged rows", "count", n)
	}

	n, err := drain(ctx, q, os.Stdout, drainMax, drainFollow, log)
	lctx, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
	left, lerr := q.Len(lctx)
	lcancel()
	if lerr != nil {
		log.Warnw("queue length unavailable", "key", cfg.RedisQueueKey, "err", lerr)
	}
	log.Infow("drain finished", "rows", n, "key", cfg.RedisQueueKey, "remaining", left)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// leaser is the consumer side of the hand-off queue.
type leaser interface {
	Lease(ctx context.Context) (*queue.Item, func() error, error)
}

func drain(ctx context.Context, q leaser, w io.Writer, limit int, follow bool, log *zap.SugaredLogger) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		it, ack, err := q.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if !follow {
				return n, err
			}
			log.Warnw("lease failed", "err", err)
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if it == nil {
			if follow {
				continue
			}
			return n, nil
		}
		if err := enc.Encode(it); err != nil {
			return n, err
		}
		if err := ack(); err != nil {
			log.Warnw("ack failed", "run", it.RunID, "err", err)
		}
		n++
	}
	return n, nil
}
