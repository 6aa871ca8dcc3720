package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/metrics"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/output"
	"github.com/gustycube/netbox-import/internal/pipeline"
	"github.com/gustycube/netbox-import/internal/record"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve rows and columns over HTTP",
	Long: `Serve the import over HTTP. Every request runs a fresh import; nothing is
cached between requests.

  GET /v1/rows[?format=json|jsonl|csv]   flat rows
  GET /v1/columns                        sorted column names
  GET /metrics                           Prometheus metrics
  GET /health, /ready, /live             health and readiness`,
	Example: `  netbox-import serve --config import.yaml --listen-addr :8080`,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", "", "HTTP listen addr (default :8080)")
}

// runner is the part of the orchestrator the HTTP handlers use.
type runner interface {
	Run(ctx context.Context) (record.ResultSet, error)
}

type rowServer struct {
	pipeline runner
	log      *zap.SugaredLogger
}

func (s *rowServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/rows", s.handleRows)
	mux.HandleFunc("/v1/columns", s.handleColumns)
}

func (s *rowServer) handleRows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(output.FormatJSON)
	}
	f, err := output.ParseFormat(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.pipeline.Run(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	ow, err := output.NewWriter(string(f), w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType(ow.Format()))
	if err := ow.WriteRows(rows); err != nil {
		s.log.Warnw("write rows", "err", err)
	}
}

func (s *rowServer) handleColumns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.pipeline.Run(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pipeline.ColumnsOf(rows))
}

// fail maps a run error to a status: upstream API trouble is a 502, a
// cancelled request a 503, anything else a 500.
func (s *rowServer) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, netbox.ErrUnauthorized),
		errors.Is(err, netbox.ErrUnexpectedStatus),
		errors.Is(err, netbox.ErrMalformedResponse):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.log.Warnw("import run failed", "err", err, "status", status)
	http.Error(w, err.Error(), status)
}

func contentType(f output.Format) string {
	switch f {
	case output.FormatJSONL:
		return "application/x-ndjson"
	case output.FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/json"
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := a.healthHandler()
	mux := metrics.NewMux(h)
	(&rowServer{pipeline: a.orch, log: a.log}).register(mux)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	h.SetReady(true)
	a.log.Infow("serving", "addr", a.cfg.ListenAddr, "netbox", a.cfg.BaseURL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	h.SetReady(false)
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Infow("shutdown complete")
	return nil
}
