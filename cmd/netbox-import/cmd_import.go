package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gustycube/netbox-import/internal/emit"
	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/output"
	"github.com/gustycube/netbox-import/internal/queue"
	"github.com/gustycube/netbox-import/internal/record"
)

var importPush bool

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run the import once and deliver the rows",
	Long: `Run the full import once.

Rows are written to stdout in the configured format unless --ingest or
--push is given. With --ingest the rows are POSTed as JSON batches; failed
batches are spooled and resent on the next run. With --push every row is
queued on the Redis list for "netbox-import drain" or another consumer.`,
	Example: `  netbox-import import --base-url https://netbox.example.com/api --api-token $TOKEN
  netbox-import import --config import.yaml --active-only -o csv > hosts.csv
  netbox-import import --ingest https://cmdb.example.com/ingest --batch-max-rows 500
  REDIS_QUEUE_ADDR=127.0.0.1:6379 netbox-import import --push`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	f := importCmd.Flags()
	f.StringP("output-format", "o", "", "stdout format: json, jsonl or csv")
	f.String("ingest", "", "ingest endpoint; rows are POSTed instead of printed")
	f.String("spool-dir", "", "spool dir for batches the ingest endpoint refused")
	f.Int("batch-max-rows", 0, "max rows per ingest POST (0 for one batch)")
	f.String("mtls-cert", "", "client cert (PEM) for mTLS to ingest")
	f.String("mtls-key", "", "client key (PEM) for mTLS to ingest")
	f.String("mtls-ca", "", "CA bundle (PEM) for mTLS to ingest")
	f.BoolVar(&importPush, "push", false, "push rows onto the Redis hand-off list")
	f.String("redis-queue-addr", "", "Redis address for --push")
	f.String("redis-queue-key", "", "Redis list key for --push")
}

func runImport(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.cfg.MetricsAddr != "" {
		h := a.healthHandler()
		h.SetReady(true)
		go metrics.ServeWithHealth(a.cfg.MetricsAddr, h, a.log)
		a.log.Infow("metrics and health server started", "addr", a.cfg.MetricsAddr)
	}

	a.log.Infow("starting import",
		"netbox", a.cfg.BaseURL,
		"devices", a.cfg.PipelineConfig().ImportDevices,
		"virtual_machines", a.cfg.PipelineConfig().ImportVirtualMachines,
		"active_only", a.cfg.ActiveOnly,
		"config_file", configFile,
	)

	rows, err := a.orch.Run(ctx)
	if err != nil {
		return err
	}

	delivered := false
	if a.cfg.Ingest != "" {
		if err := deliver(ctx, a, rows); err != nil {
			return err
		}
		delivered = true
	}
	if importPush {
		if err := push(ctx, a, rows); err != nil {
			return err
		}
		delivered = true
	}
	if delivered {
		return nil
	}

	w, err := output.NewStdoutWriter(a.cfg.OutputFormat)
	if err != nil {
		return err
	}
	return w.WriteRows(rows)
}

func deliver(ctx context.Context, a *app, rows record.ResultSet) error {
	e, err := emit.NewEmitter(emit.Options{
		Ingest:   a.cfg.Ingest,
		Source:   a.cfg.BaseURL,
		SpoolDir: a.cfg.SpoolDir,
		BatchMax: a.cfg.BatchMaxRows,
		MTLSCert: a.cfg.MTLSCert,
		MTLSKey:  a.cfg.MTLSKey,
		MTLSCA:   a.cfg.MTLSCA,
	}, a.log)
	if err != nil {
		return err
	}

	if n, err := e.Drain(ctx); err != nil {
		a.log.Warnw("spooled batches still undeliverable", "resent", n, "err", err)
	} else if n > 0 {
		a.log.Infow("resent spooled batches", "count", n)
	}

	err = e.Emit(ctx, rows)
	if errors.Is(err, emit.ErrSpooled) {
		return fmt.Errorf("ingest unavailable, rows kept in %s: %w", a.cfg.SpoolDir, err)
	}
	return err
}

func push(ctx context.Context, a *app, rows record.ResultSet) error {
	if a.cfg.RedisQueueAddr == "" {
		return errors.New("--push needs redis_queue_addr (flag, config or REDIS_QUEUE_ADDR)")
	}
	q, err := queue.NewRedis(a.cfg.RedisQueueAddr, a.cfg.RedisQueueKey, 5*time.Second)
	if err != nil {
		return err
	}
	defer q.Close()

	runID := uuid.NewString()
	n, err := q.Push(ctx, runID, rows)
	if err != nil {
		return err
	}
	backlog, err := q.Len(ctx)
	if err != nil {
		a.log.Warnw("queue length unavailable", "key", a.cfg.RedisQueueKey, "err", err)
	}
	a.log.Infow("rows pushed", "run", runID, "rows", n, "key", a.cfg.RedisQueueKey, "backlog", backlog)
	return nil
}
