package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/config"
	"github.com/gustycube/netbox-import/internal/health"
	"github.com/gustycube/netbox-import/internal/logging"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/pipeline"
	"github.com/gustycube/netbox-import/internal/queue"
	"github.com/gustycube/netbox-import/internal/telemetry"
)

var (
	version    = "1.0.0"
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "netbox-import",
		Short: "Flatten NetBox inventory into importable rows",
		Long: `netbox-import reads devices, virtual machines and IP addresses from the
NetBox REST API and produces one flat row per host.

Reference fields such as the cluster are dereferenced, nested objects are
flattened into "parent__child" columns, IP addresses are attached under
"interfaces__<name>__<n>", and API linkage columns (__id, __url) are dropped.

Configuration is read from --config, then NETBOX_URL / NETBOX_TOKEN /
REDIS_QUEUE_ADDR / REDIS_QUEUE_KEY, then flags. LOG_LEVEL sets verbosity.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`netbox-import {{.Version}}
`)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	pf.String("base-url", "", "NetBox API base url, e.g. https://netbox.example.com/api")
	pf.String("api-token", "", "NetBox API token")
	pf.String("ua", "", "user-agent sent to NetBox")
	pf.Int("page-size", 0, "objects per page when listing collections")
	pf.Int("timeout-sec", 0, "per-request timeout in seconds")
	pf.Int("retry-max-sec", 0, "retry transient API failures for up to this many seconds (0 disables)")
	pf.Float64("rate-limit", 0, "max NetBox requests per second (0 for unlimited)")
	pf.Bool("insecure-skip-verify", false, "skip TLS verification of the NetBox certificate")

	pf.Bool("import-devices", true, "import devices")
	pf.Bool("import-virtual-machines", true, "import virtual machines")
	pf.Bool("active-only", false, "only import hosts whose status is active")
	pf.String("active-label", "", "also treat this string status value as active (NetBox 2.10+ reports \"active\")")
	pf.StringSlice("resolve", nil, "reference fields to dereference (default cluster)")
	pf.Bool("strict-keys", false, "fail when two nested paths flatten to the same column")

	pf.String("metrics-addr", "", "metrics and health listen addr (empty to disable)")
	pf.String("otel-endpoint", "", "OTLP HTTP endpoint (host:port)")
	pf.Bool("otel-insecure", true, "OTLP insecure (no TLS)")
	pf.String("otel-service", "", "OTEL service.name")
}

// flagKeys maps flag names to config keys where the plain dash-to-underscore
// rename does not apply.
var flagKeys = map[string]string{
	"resolve": "resolve_fields",
}

// changedFlags collects the flags the user actually set, keyed the way
// config.MergeWithFlags expects.
func changedFlags(fs *pflag.FlagSet) map[string]interface{} {
	out := make(map[string]interface{})
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		var (
			v   interface{}
			err error
		)
		switch f.Value.Type() {
		case "string":
			v, err = fs.GetString(f.Name)
		case "bool":
			v, err = fs.GetBool(f.Name)
		case "int":
			v, err = fs.GetInt(f.Name)
		case "float64":
			v, err = fs.GetFloat64(f.Name)
		case "stringSlice":
			v, err = fs.GetStringSlice(f.Name)
		default:
			return
		}
		if err == nil {
			out[key] = v
		}
	})
	return out
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is what every subcommand that talks to NetBox needs.
type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	client   *netbox.Client
	orch     *pipeline.Orchestrator
	shutdown func(context.Context) error
	// redis backs the queue health check; nil unless a queue is configured.
	redis *queue.RedisQueue
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logging.New()
	if configFile != "" {
		log.Infow("loaded config from file", "file", configFile)
	}

	shutdown, err := telemetry.Init(cmd.Context(), telemetry.Options{
		Endpoint:  cfg.OTELEndpoint,
		Insecure:  cfg.OTELInsecure,
		Service:   cfg.OTELService,
		Version:   version,
		NetBoxURL: cfg.BaseURL,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
		shutdown = func(context.Context) error { return nil }
	}

	client, err := netbox.NewClient(cfg.NetBoxOptions(), log)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	if cfg.APIToken == "" {
		log.Warnw("no api token configured, requests are anonymous")
	}

	return &app{
		cfg:      cfg,
		log:      log,
		client:   client,
		orch:     pipeline.New(client, cfg.PipelineConfig(), log),
		shutdown: shutdown,
	}, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warnw("close redis health client", "err", err)
		}
	}
	if err := a.shutdown(context.Background()); err != nil {
		a.log.Warnw("otel shutdown", "err", err)
	}
	_ = a.log.Sync()
}

func (a *app) healthHandler() *health.Handler {
	h := health.NewHandler(a.log)
	h.RegisterChecker("netbox", health.NewPingChecker(a.cfg.BaseURL, a.client.Ping))
	h.RegisterChecker("netbox_breaker", health.NewBreakerChecker(a.client.OpenHosts))
	if a.cfg.RedisQueueAddr != "" && a.redis == nil {
		a.redis = queue.Dial(a.cfg.RedisQueueAddr, a.cfg.RedisQueueKey, 0)
	}
	if a.redis != nil {
		h.RegisterChecker("redis_queue", health.NewPingChecker(a.cfg.RedisQueueAddr, a.redis.Ping))
	}
	h.SetMetadata("version", version)
	h.SetMetadata("netbox", a.cfg.BaseURL)
	return h
}
