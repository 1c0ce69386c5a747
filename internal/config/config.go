package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	AlsDB    PostgresConfig `koanf:"als_db"`
	CacheDB  PostgresConfig `koanf:"cache_db"`
	Siphon   SiphonConfig   `koanf:"siphon"`
	Rcache   RcacheConfig   `koanf:"rcache"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	GroupID       string     `koanf:"group_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN          string `koanf:"dsn"`
	PasswordFile string `koanf:"password_file"`
	MaxConns     int32  `koanf:"max_conns"`
	MinConns     int32  `koanf:"min_conns"`
}

type SiphonConfig struct {
	AlsTopic string `koanf:"als_topic"`
	// LogTopicPattern selects the JSON-log topics; the ALS topic is
	// always excluded from it.
	LogTopicPattern    string `koanf:"log_topic_pattern"`
	MaxAgeSeconds      int    `koanf:"max_age_seconds"`
	MaxPollRecords     int    `koanf:"max_poll_records"`
	MaxFetchBundles    int    `koanf:"max_fetch_bundles"`
	MaxFetchRequests   int    `koanf:"max_fetch_requests"`
	IdlePollMs         int    `koanf:"idle_poll_ms"`
	ProgressIntervalMs int    `koanf:"progress_interval_ms"`

	// Retention windows applied by the maintenance command. Normalized
	// ALS rows are never purged.
	DecodeErrorRetentionMonths int `koanf:"decode_error_retention_months"`
	LogRetentionDays           int `koanf:"log_retention_days"`
}

type RcacheConfig struct {
	Port               int      `koanf:"port"`
	DBCreatorURL       string   `koanf:"db_creator_url"`
	PrecomputeQuota    int      `koanf:"precompute_quota"`
	AfcReqURL          string   `koanf:"afc_req_url"`
	RulesetsURL        string   `koanf:"rulesets_url"`
	ConfigRetrievalURL string   `koanf:"config_retrieval_url"`
	KeyholeTemplate    string   `koanf:"keyhole_template"`
	UpdateOnSend       bool     `koanf:"update_on_send"`
	VendorExtensions   []string `koanf:"afc_state_vendor_extensions"`
	UpdateQueueSize    int      `koanf:"update_queue_size"`
	MaxBatch           int      `koanf:"max_batch"`
	DefaultDeadlineMs  int      `koanf:"default_deadline_ms"`
}

// Load reads the YAML config file (if any), overlays environment
// variables (AFC_TELEMETRY_SIPHON__ALS_TOPIC → siphon.als_topic), and
// applies documented defaults for everything left unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("AFC_TELEMETRY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AFC_TELEMETRY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "afc-telemetry-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "afc-telemetry",
			GroupID:       "als-siphon",
			FetchMaxBytes: 52428800,
		},
		AlsDB: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		CacheDB: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Siphon: SiphonConfig{
			AlsTopic:                   "ALS",
			LogTopicPattern:            `^[^.].*`,
			MaxAgeSeconds:              1000,
			MaxPollRecords:             1000,
			MaxFetchBundles:            1000,
			MaxFetchRequests:           10000,
			IdlePollMs:                 1000,
			ProgressIntervalMs:         5000,
			DecodeErrorRetentionMonths: 3,
			LogRetentionDays:           90,
		},
		Rcache: RcacheConfig{
			Port:              8000,
			PrecomputeQuota:   10,
			UpdateQueueSize:   100000,
			MaxBatch:          1000,
			DefaultDeadlineMs: 5000,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Rcache.VendorExtensions) == 1 && strings.Contains(cfg.Rcache.VendorExtensions[0], ",") {
		cfg.Rcache.VendorExtensions = strings.Split(cfg.Rcache.VendorExtensions[0], ",")
	}

	if err := cfg.resolvePasswords(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePasswords substitutes file-sourced passwords into DSNs. The
// DSN carries a PASSWORD placeholder that is replaced with the trimmed
// file contents.
func (c *Config) resolvePasswords() error {
	for _, pg := range []*PostgresConfig{&c.AlsDB, &c.CacheDB} {
		if pg.PasswordFile == "" {
			continue
		}
		pw, err := os.ReadFile(pg.PasswordFile)
		if err != nil {
			return fmt.Errorf("reading password file %s: %w", pg.PasswordFile, err)
		}
		pg.DSN = strings.ReplaceAll(pg.DSN, "PASSWORD", strings.TrimSpace(string(pw)))
	}
	return nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.AlsDB.DSN == "" {
		return fmt.Errorf("config: als_db.dsn is required")
	}
	if c.AlsDB.MaxConns <= 0 {
		return fmt.Errorf("config: als_db.max_conns must be > 0 (got %d)", c.AlsDB.MaxConns)
	}
	if c.CacheDB.MaxConns <= 0 {
		return fmt.Errorf("config: cache_db.max_conns must be > 0 (got %d)", c.CacheDB.MaxConns)
	}
	if c.Siphon.AlsTopic == "" {
		return fmt.Errorf("config: siphon.als_topic is required")
	}
	if _, err := regexp.Compile(c.Siphon.LogTopicPattern); err != nil {
		return fmt.Errorf("config: siphon.log_topic_pattern is invalid: %w", err)
	}
	if c.Siphon.MaxAgeSeconds <= 0 {
		return fmt.Errorf("config: siphon.max_age_seconds must be > 0 (got %d)", c.Siphon.MaxAgeSeconds)
	}
	if c.Siphon.MaxPollRecords <= 0 {
		return fmt.Errorf("config: siphon.max_poll_records must be > 0 (got %d)", c.Siphon.MaxPollRecords)
	}
	if c.Siphon.MaxFetchBundles <= 0 {
		return fmt.Errorf("config: siphon.max_fetch_bundles must be > 0 (got %d)", c.Siphon.MaxFetchBundles)
	}
	if c.Siphon.IdlePollMs <= 0 {
		return fmt.Errorf("config: siphon.idle_poll_ms must be > 0 (got %d)", c.Siphon.IdlePollMs)
	}
	if c.Siphon.DecodeErrorRetentionMonths <= 0 {
		return fmt.Errorf("config: siphon.decode_error_retention_months must be > 0 (got %d)", c.Siphon.DecodeErrorRetentionMonths)
	}
	if c.Siphon.LogRetentionDays <= 0 {
		return fmt.Errorf("config: siphon.log_retention_days must be > 0 (got %d)", c.Siphon.LogRetentionDays)
	}
	if c.Rcache.Port <= 0 || c.Rcache.Port > 65535 {
		return fmt.Errorf("config: rcache.port is invalid (got %d)", c.Rcache.Port)
	}
	if c.Rcache.PrecomputeQuota <= 0 {
		return fmt.Errorf("config: rcache.precompute_quota must be > 0 (got %d)", c.Rcache.PrecomputeQuota)
	}
	if c.Rcache.UpdateQueueSize <= 0 {
		return fmt.Errorf("config: rcache.update_queue_size must be > 0 (got %d)", c.Rcache.UpdateQueueSize)
	}
	if c.Rcache.MaxBatch <= 0 {
		return fmt.Errorf("config: rcache.max_batch must be > 0 (got %d)", c.Rcache.MaxBatch)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
