package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gustycube/netbox-import/internal/filter"
	"github.com/gustycube/netbox-import/internal/flatten"
	"github.com/gustycube/netbox-import/internal/ifindex"
	"github.com/gustycube/netbox-import/internal/netbox"
	"github.com/gustycube/netbox-import/internal/output"
	"github.com/gustycube/netbox-import/internal/pipeline"
	"github.com/gustycube/netbox-import/internal/resolve"
)

// Config represents the complete configuration for netbox-import
type Config struct {
	// NetBox API
	BaseURL            string  `yaml:"base_url" json:"base_url"`
	APIToken           string  `yaml:"api_token" json:"api_token"`
	UA                 string  `yaml:"ua" json:"ua"`
	PageSize           int     `yaml:"page_size" json:"page_size"`
	TimeoutSec         int     `yaml:"timeout_sec" json:"timeout_sec"`
	RetryMaxSec        int     `yaml:"retry_max_sec" json:"retry_max_sec"`
	RateLimit          float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst          int     `yaml:"rate_burst" json:"rate_burst"`
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// What to import. Unset toggles default to true.
	ImportDevices         *bool  `yaml:"import_devices" json:"import_devices"`
	ImportVirtualMachines *bool  `yaml:"import_virtual_machines" json:"import_virtual_machines"`
	ActiveOnly            bool   `yaml:"active_only" json:"active_only"`
	ActiveLabel           string `yaml:"active_label" json:"active_label"`

	DevicesPath         string `yaml:"devices_path" json:"devices_path"`
	VirtualMachinesPath string `yaml:"virtual_machines_path" json:"virtual_machines_path"`
	IPAddressesPath     string `yaml:"ip_addresses_path" json:"ip_addresses_path"`

	// Row shaping
	ResolveFields    []string `yaml:"resolve_fields" json:"resolve_fields"`
	ResolveCacheSize int      `yaml:"resolve_cache_size" json:"resolve_cache_size"`
	Delimiter        string   `yaml:"delimiter" json:"delimiter"`
	ContextField     string   `yaml:"context_field" json:"context_field"`
	DropSuffixes     []string `yaml:"drop_suffixes" json:"drop_suffixes"`
	InterfaceFields  []string `yaml:"interface_fields" json:"interface_fields"`
	StrictKeys       bool     `yaml:"strict_keys" json:"strict_keys"`

	// Output
	OutputFormat string `yaml:"output_format" json:"output_format"`
	Ingest       string `yaml:"ingest" json:"ingest"`
	SpoolDir     string `yaml:"spool_dir" json:"spool_dir"`
	BatchMaxRows int    `yaml:"batch_max_rows" json:"batch_max_rows"`

	// mTLS
	MTLSCert string `yaml:"mtls_cert" json:"mtls_cert"`
	MTLSKey  string `yaml:"mtls_key" json:"mtls_key"`
	MTLSCA   string `yaml:"mtls_ca" json:"mtls_ca"`

	// Serving and observability
	ListenAddr   string `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis hand-off
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

func boolPtr(b bool) *bool { return &b }

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.UA == "" {
		c.UA = "netbox-import/1.0"
	}
	if c.PageSize == 0 {
		c.PageSize = 1000
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 30
	}
	if c.ImportDevices == nil {
		c.ImportDevices = boolPtr(true)
	}
	if c.ImportVirtualMachines == nil {
		c.ImportVirtualMachines = boolPtr(true)
	}
	if c.DevicesPath == "" {
		c.DevicesPath = pipeline.DefaultDevicesPath
	}
	if c.VirtualMachinesPath == "" {
		c.VirtualMachinesPath = pipeline.DefaultVirtualMachinesPath
	}
	if c.IPAddressesPath == "" {
		c.IPAddressesPath = pipeline.DefaultIPAddressesPath
	}
	if c.ResolveFields == nil {
		c.ResolveFields = append([]string(nil), pipeline.DefaultResolveFields...)
	}
	if c.ResolveCacheSize == 0 {
		c.ResolveCacheSize = 512
	}
	if c.Delimiter == "" {
		c.Delimiter = flatten.DefaultDelimiter
	}
	if c.ContextField == "" {
		c.ContextField = flatten.DefaultContextField
	}
	if c.DropSuffixes == nil {
		c.DropSuffixes = filter.DropSuffixesFor(c.Delimiter)
	}
	if len(c.InterfaceFields) == 0 {
		c.InterfaceFields = append([]string(nil), ifindex.DefaultInterfaceFields...)
	}
	if c.OutputFormat == "" {
		c.OutputFormat = string(output.FormatJSON)
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.OTELService == "" {
		c.OTELService = "netbox-import"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "netbox-import:rows"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an http(s) url, got %q", c.BaseURL)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be at least 1")
	}
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout_sec must be at least 1")
	}
	if c.RetryMaxSec < 0 {
		return fmt.Errorf("retry_max_sec must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.Delimiter == "" {
		return fmt.Errorf("delimiter must not be empty")
	}
	if c.BatchMaxRows < 0 {
		return fmt.Errorf("batch_max_rows must not be negative")
	}
	if _, err := output.ParseFormat(c.OutputFormat); err != nil {
		return err
	}
	if (c.MTLSCert == "") != (c.MTLSKey == "") {
		return fmt.Errorf("mtls_cert and mtls_key must be set together")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file and applies
// defaults. Validation is left to the caller, after env and flags are merged.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Command-line flags take precedence. Callers pass only flags the user set.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	str := func(key string, dst *string) {
		if v, ok := flags[key].(string); ok && v != "" {
			*dst = v
		}
	}
	posInt := func(key string, dst *int) {
		if v, ok := flags[key].(int); ok && v > 0 {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := flags[key].(bool); ok {
			*dst = v
		}
	}

	str("base_url", &c.BaseURL)
	str("api_token", &c.APIToken)
	str("ua", &c.UA)
	posInt("page_size", &c.PageSize)
	posInt("timeout_sec", &c.TimeoutSec)
	posInt("retry_max_sec", &c.RetryMaxSec)
	boolean("insecure_skip_verify", &c.InsecureSkipVerify)
	if v, ok := flags["rate_limit"].(float64); ok && v >= 0 {
		c.RateLimit = v
	}

	if v, ok := flags["import_devices"].(bool); ok {
		c.ImportDevices = boolPtr(v)
	}
	if v, ok := flags["import_virtual_machines"].(bool); ok {
		c.ImportVirtualMachines = boolPtr(v)
	}
	boolean("active_only", &c.ActiveOnly)
	str("active_label", &c.ActiveLabel)
	boolean("strict_keys", &c.StrictKeys)
	if v, ok := flags["resolve_fields"].([]string); ok {
		c.ResolveFields = v
	}

	str("output_format", &c.OutputFormat)
	str("ingest", &c.Ingest)
	str("spool_dir", &c.SpoolDir)
	posInt("batch_max_rows", &c.BatchMaxRows)
	str("mtls_cert", &c.MTLSCert)
	str("mtls_key", &c.MTLSKey)
	str("mtls_ca", &c.MTLSCA)

	str("listen_addr", &c.ListenAddr)
	str("metrics_addr", &c.MetricsAddr)
	str("otel_endpoint", &c.OTELEndpoint)
	boolean("otel_insecure", &c.OTELInsecure)
	str("otel_service", &c.OTELService)

	str("redis_queue_addr", &c.RedisQueueAddr)
	str("redis_queue_key", &c.RedisQueueKey)
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("NETBOX_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("NETBOX_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
}

// NetBoxOptions returns the API client settings.
func (c *Config) NetBoxOptions() netbox.Options {
	return netbox.Options{
		BaseURL:            c.BaseURL,
		Token:              c.APIToken,
		PageSize:           c.PageSize,
		Timeout:            time.Duration(c.TimeoutSec) * time.Second,
		InsecureSkipVerify: c.InsecureSkipVerify,
		UserAgent:          c.UA,
		RateLimit:          c.RateLimit,
		RateBurst:          c.RateBurst,
		RetryMaxElapsed:    time.Duration(c.RetryMaxSec) * time.Second,
	}
}

// PipelineConfig returns the import settings.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ImportDevices:         c.ImportDevices == nil || *c.ImportDevices,
		ImportVirtualMachines: c.ImportVirtualMachines == nil || *c.ImportVirtualMachines,
		ActiveOnly:            c.ActiveOnly,
		ActiveLabel:           c.ActiveLabel,
		DevicesPath:           c.DevicesPath,
		VirtualMachinesPath:   c.VirtualMachinesPath,
		IPAddressesPath:       c.IPAddressesPath,
		ResolveFields:         c.ResolveFields,
		Resolve:               resolve.Options{CacheSize: c.ResolveCacheSize},
		Delimiter:             c.Delimiter,
		ContextField:          c.ContextField,
		DropSuffixes:          c.DropSuffixes,
		StrictKeys:            c.StrictKeys,
		InterfaceFields:       c.InterfaceFields,
	}
}
