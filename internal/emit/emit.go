// Package emit delivers result sets to an HTTP ingest endpoint. Failed
// deliveries are spooled to disk and retried by Drain.
package emit

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/record"
)

// ErrSpooled reports that a batch could not be delivered and was written to
// the spool directory instead.
var ErrSpooled = errors.New("batch spooled after failed delivery")

// Batch is one POST body.
type Batch struct {
	Source      string           `json:"source"`
	RunID       string           `json:"run_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Part        int              `json:"part"`
	Parts       int              `json:"parts"`
	Columns     []string         `json:"columns"`
	Rows        record.ResultSet `json:"rows"`
}

type Options struct {
	Ingest   string
	Source   string
	SpoolDir string
	// BatchMax caps rows per POST; zero sends the result set in one body.
	BatchMax   int
	Timeout    time.Duration
	MaxElapsed time.Duration
	MTLSCert   string
	MTLSKey    string
	MTLSCA     string
}

type Emitter struct {
	opts   Options
	client *http.Client
	log    *zap.SugaredLogger
}

func NewEmitter(opts Options, log *zap.SugaredLogger) (*Emitter, error) {
	if opts.Ingest == "" {
		return nil, errors.New("ingest endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.MTLSCert != "" && opts.MTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.MTLSCert, opts.MTLSKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if opts.MTLSCA != "" {
		pem, err := os.ReadFile(opts.MTLSCA)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", opts.MTLSCA)
		}
		tlsCfg.RootCAs = pool
	}
	if opts.SpoolDir != "" {
		if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	return &Emitter{
		opts:   opts,
		client: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}, Timeout: opts.Timeout},
		log:    log,
	}, nil
}

// Batches splits rows into POST bodies that share one run id.
func (e *Emitter) Batches(rows record.ResultSet) []Batch {
	runID := uuid.NewString()
	now := time.Now().UTC()
	cols := rows.Columns()

	size := e.opts.BatchMax
	if size <= 0 || size > len(rows) {
		size = len(rows)
	}
	parts := 1
	if size > 0 {
		parts = (len(rows) + size - 1) / size
	}

	out := make([]Batch, 0, parts)
	for i := 0; i < parts; i++ {
		lo, hi := i*size, (i+1)*size
		if hi > len(rows) {
			hi = len(rows)
		}
		chunk := rows[lo:hi]
		if chunk == nil {
			chunk = record.ResultSet{}
		}
		out = append(out, Batch{
			Source:      e.opts.Source,
			RunID:       runID,
			GeneratedAt: now,
			Part:        i + 1,
			Parts:       parts,
			Columns:     cols,
			Rows:        chunk,
		})
	}
	return out
}

// Emit posts every batch of rows. A batch that still fails after retries is
// spooled and the error wraps ErrSpooled; without a spool dir the delivery
// error is returned as is.
func (e *Emitter) Emit(ctx context.Context, rows record.ResultSet) error {
	var errs []error
	for _, b := range e.Batches(rows) {
		if err := e.post(ctx, b); err != nil {
			metrics.EmitBatches.WithLabelValues("failed").Inc()
			errs = append(errs, e.spoolOrFail(b, err))
			continue
		}
		metrics.EmitBatches.WithLabelValues("sent").Inc()
		e.log.Infow("batch delivered", "run", b.RunID, "part", b.Part, "parts", b.Parts, "rows", len(b.Rows))
	}
	return errors.Join(errs...)
}

func (e *Emitter) spoolOrFail(b Batch, postErr error) error {
	if e.opts.SpoolDir == "" {
		return fmt.Errorf("post batch %d/%d: %w", b.Part, b.Parts, postErr)
	}
	path, err := e.spool(b)
	if err != nil {
		e.log.Errorw("spool failed", "err", err)
		return fmt.Errorf("post batch %d/%d: %w", b.Part, b.Parts, errors.Join(postErr, err))
	}
	e.log.Warnw("ingest failed, spooling", "err", postErr, "path", path)
	return fmt.Errorf("%w: %s: %v", ErrSpooled, path, postErr)
}

func (e *Emitter) post(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return backoff.Permanent(err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.Ingest, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("bad status: %d", resp.StatusCode))
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.opts.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (e *Emitter) spool(b Batch) (string, error) {
	name := fmt.Sprintf("%s-%s-%03d.json", time.Now().UTC().Format("20060102T150405.000000000"), b.RunID, b.Part)
	path := filepath.Join(e.opts.SpoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(b); err != nil {
		return "", err
	}
	return path, nil
}

// Drain resends spooled batches oldest first and removes the ones delivered.
// It stops at the first failure and reports how many were sent.
func (e *Emitter) Drain(ctx context.Context) (int, error) {
	if e.opts.SpoolDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(e.opts.SpoolDir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".json" {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	sent := 0
	for _, name := range names {
		p := filepath.Join(e.opts.SpoolDir, name)
		b, err := readSpooled(p)
		if err != nil {
			e.log.Warnw("skipping unreadable spool file", "path", p, "err", err)
			continue
		}
		if err := e.post(ctx, b); err != nil {
			return sent, fmt.Errorf("resend %s: %w", name, err)
		}
		metrics.EmitBatches.WithLabelValues("resent").Inc()
		if err := os.Remove(p); err != nil {
			e.log.Warnw("remove spool file", "path", p, "err", err)
		}
		sent++
	}
	return sent, nil
}

func readSpooled(path string) (Batch, error) {
	var b Batch
	f, err := os.Open(path)
	if err != nil {
		return b, err
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&b)
	return b, err
}
