package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Broker     BrokerConfig     `koanf:"broker"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Archive    ArchiveConfig    `koanf:"archive"`
	Parser     ParserConfig     `koanf:"parser"`
	Rules      RulesConfig      `koanf:"rules"`
	DeadLetter DeadLetterConfig `koanf:"dead_letter"`
	Secrets    SecretsConfig    `koanf:"secrets"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BrokerConfig struct {
	// Flavor selects the wire variant: "eventhub" or "kafka".
	Flavor string `koanf:"flavor"`

	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	GroupID       string     `koanf:"group_id"`
	Topics        []string   `koanf:"topics"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`

	// EventHubConnectionString drives the eventhub flavor: the namespace's
	// Kafka endpoint is derived from it and SASL PLAIN is forced with
	// user "$ConnectionString".
	EventHubConnectionString string `koanf:"eventhub_connection_string"`

	MaxMessages           int `koanf:"max_messages"`
	ConsumeTimeoutSeconds int `koanf:"consume_timeout_seconds"`
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
	DSN                   string `koanf:"dsn"`
	MaxConns              int32  `koanf:"max_conns"`
	MinConns              int32  `koanf:"min_conns"`
	ConnectTimeoutSeconds int    `koanf:"connect_timeout_seconds"`
	IdleRecycleSeconds    int    `koanf:"idle_recycle_seconds"`
}

type ArchiveConfig struct {
	// ConnectionString locates the object store. Either semicolon key=value
	// pairs (endpoint/access_key/secret_key/use_ssl) or the AccountName/
	// AccountKey shape emitted by hosted blob stores.
	ConnectionString     string `koanf:"connection_string"`
	Container            string `koanf:"container"`
	PathPrefix           string `koanf:"path_prefix"`
	BatchSize            int    `koanf:"batch_size"`
	FlushIntervalSeconds int    `koanf:"flush_interval_seconds"`
	MaxBufferSize        int    `koanf:"max_buffer_size"`
	Compression          string `koanf:"compression"`
	UploadTimeoutSeconds int    `koanf:"upload_timeout_seconds"`
}

type ParserConfig struct {
	SchemaDir         string `koanf:"schema_dir"`
	TimestampFallback bool   `koanf:"timestamp_fallback"`
	DefaultSchemaName string `koanf:"default_schema_name"`
}

type RulesConfig struct {
	Path string `koanf:"path"`
}

type DeadLetterConfig struct {
	CompressPayloads bool `koanf:"compress_payloads"`
}

type SecretsConfig struct {
	StoreURL string `koanf:"store_url"`
}

// Compression codecs the archive serializer accepts.
var validCompression = map[string]bool{
	"snappy": true,
	"gzip":   true,
	"brotli": true,
	"zstd":   true,
	"lz4":    true,
	"none":   true,
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TXN_INGESTER_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("TXN_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TXN_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "txn-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Broker: BrokerConfig{
			Flavor:                "kafka",
			ClientID:              "txn-ingester",
			GroupID:               "txn-ingester",
			FetchMaxBytes:         52428800,
			MaxMessages:           100,
			ConsumeTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns:              10,
			MinConns:              2,
			ConnectTimeoutSeconds: 30,
			IdleRecycleSeconds:    300,
		},
		Archive: ArchiveConfig{
			Container:            "payment-events",
			PathPrefix:           "raw_events",
			BatchSize:            1000,
			FlushIntervalSeconds: 60,
			MaxBufferSize:        5000,
			Compression:          "snappy",
			UploadTimeoutSeconds: 30,
		},
		Parser: ParserConfig{
			DefaultSchemaName: "payment_event",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Broker.Brokers) == 1 && strings.Contains(cfg.Broker.Brokers[0], ",") {
		cfg.Broker.Brokers = strings.Split(cfg.Broker.Brokers[0], ",")
	}
	if len(cfg.Broker.Topics) == 1 && strings.Contains(cfg.Broker.Topics[0], ",") {
		cfg.Broker.Topics = strings.Split(cfg.Broker.Topics[0], ",")
	}

	applyWellKnownEnv(cfg)

	// Connection strings may reference other variables as ${VAR}.
	cfg.Postgres.DSN = expandRefs(cfg.Postgres.DSN)
	cfg.Archive.ConnectionString = expandRefs(cfg.Archive.ConnectionString)
	cfg.Broker.EventHubConnectionString = expandRefs(cfg.Broker.EventHubConnectionString)

	if cfg.Broker.Flavor == "eventhub" && cfg.Broker.EventHubConnectionString != "" {
		if err := cfg.Broker.applyEventHubEndpoint(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyWellKnownEnv overlays the deployment variables that take precedence
// over both the YAML file and the prefixed overrides.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("POSTGRES_CONNECTION_STRING"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("BLOB_STORAGE_CONNECTION_STRING"); v != "" {
		cfg.Archive.ConnectionString = v
	}
	if v := os.Getenv("EVENT_HUB_CONNECTION_STRING"); v != "" {
		cfg.Broker.EventHubConnectionString = v
	}
	if v := os.Getenv("BLOB_CONTAINER_NAME"); v != "" {
		cfg.Archive.Container = v
	}
	if v := os.Getenv("BLOB_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.BatchSize = n
		}
	}
	if v := os.Getenv("BLOB_FLUSH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.FlushIntervalSeconds = n
		}
	}
	if v := os.Getenv("SECRET_STORE_URL"); v != "" {
		cfg.Secrets.StoreURL = v
	}
}

// expandRefs resolves ${VAR} references from the environment. Unset
// variables expand to the empty string.
func expandRefs(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

func (c *Config) Validate() error {
	switch c.Broker.Flavor {
	case "kafka", "eventhub":
	default:
		return fmt.Errorf("config: broker.flavor must be kafka or eventhub (got %q)", c.Broker.Flavor)
	}
	if len(c.Broker.Brokers) == 0 {
		return fmt.Errorf("config: broker.brokers is required")
	}
	if c.Broker.GroupID == "" {
		return fmt.Errorf("config: broker.group_id is required")
	}
	if len(c.Broker.Topics) == 0 {
		return fmt.Errorf("config: broker.topics is required")
	}
	if c.Broker.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: broker.fetch_max_bytes must be > 0 (got %d)", c.Broker.FetchMaxBytes)
	}
	if c.Broker.MaxMessages <= 0 {
		return fmt.Errorf("config: broker.max_messages must be > 0 (got %d)", c.Broker.MaxMessages)
	}
	if c.Broker.ConsumeTimeoutSeconds <= 0 {
		return fmt.Errorf("config: broker.consume_timeout_seconds must be > 0 (got %d)", c.Broker.ConsumeTimeoutSeconds)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("config: postgres.min_conns (%d) exceeds postgres.max_conns (%d)", c.Postgres.MinConns, c.Postgres.MaxConns)
	}
	if c.Postgres.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("config: postgres.connect_timeout_seconds must be > 0 (got %d)", c.Postgres.ConnectTimeoutSeconds)
	}
	if c.Postgres.IdleRecycleSeconds <= 0 {
		return fmt.Errorf("config: postgres.idle_recycle_seconds must be > 0 (got %d)", c.Postgres.IdleRecycleSeconds)
	}
	if c.Archive.ConnectionString == "" {
		return fmt.Errorf("config: archive.connection_string is required")
	}
	if c.Archive.Container == "" {
		return fmt.Errorf("config: archive.container is required")
	}
	if c.Archive.BatchSize <= 0 {
		return fmt.Errorf("config: archive.batch_size must be > 0 (got %d)", c.Archive.BatchSize)
	}
	if c.Archive.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("config: archive.flush_interval_seconds must be > 0 (got %d)", c.Archive.FlushIntervalSeconds)
	}
	if c.Archive.MaxBufferSize < c.Archive.BatchSize {
		return fmt.Errorf("config: archive.max_buffer_size (%d) must be >= archive.batch_size (%d)", c.Archive.MaxBufferSize, c.Archive.BatchSize)
	}
	if !validCompression[c.Archive.Compression] {
		return fmt.Errorf("config: archive.compression must be one of snappy|gzip|brotli|zstd|lz4|none (got %q)", c.Archive.Compression)
	}
	if c.Archive.UploadTimeoutSeconds <= 0 {
		return fmt.Errorf("config: archive.upload_timeout_seconds must be > 0 (got %d)", c.Archive.UploadTimeoutSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// ShutdownTimeout returns the shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Service.ShutdownTimeoutSeconds) * time.Second
}

// applyEventHubEndpoint derives the Kafka-compatible endpoint and SASL
// settings from an Event Hubs connection string:
// Endpoint=sb://<ns>.servicebus.windows.net/;SharedAccessKeyName=...;SharedAccessKey=...
func (b *BrokerConfig) applyEventHubEndpoint() error {
	var host string
	for _, part := range strings.Split(b.EventHubConnectionString, ";") {
		if v, ok := strings.CutPrefix(part, "Endpoint="); ok {
			v = strings.TrimPrefix(v, "sb://")
			host = strings.TrimSuffix(v, "/")
		}
	}
	if host == "" {
		return fmt.Errorf("config: broker.eventhub_connection_string has no Endpoint= segment")
	}
	if len(b.Brokers) == 0 {
		b.Brokers = []string{host + ":9093"}
	}
	b.TLS.Enabled = true
	b.SASL = SASLConfig{
		Enabled:   true,
		Mechanism: "PLAIN",
		Username:  "$ConnectionString",
		Password:  b.EventHubConnectionString,
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the broker TLS settings. Returns nil if TLS is disabled.
func (b *BrokerConfig) BuildTLSConfig() (*tls.Config, error) {
	if !b.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if b.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(b.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if b.TLS.CertFile != "" && b.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.TLS.CertFile, b.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the broker SASL settings. Returns nil if SASL is disabled.
func (b *BrokerConfig) BuildSASLMechanism() sasl.Mechanism {
	if !b.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(b.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: b.SASL.Username, Pass: b.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

// BlobCredentials is the parsed form of archive.connection_string.
type BlobCredentials struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ParseBlobConnectionString accepts either plain key=value pairs
// (endpoint/access_key/secret_key/use_ssl) or the AccountName/AccountKey
// shape used by hosted stores.
func ParseBlobConnectionString(s string) (BlobCredentials, error) {
	var c BlobCredentials
	var account, suffix, proto string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return c, fmt.Errorf("blob connection string: segment %q is not key=value", part)
		}
		switch strings.ToLower(key) {
		case "endpoint":
			c.Endpoint = val
		case "access_key", "accountname":
			c.AccessKey = val
			if strings.ToLower(key) == "accountname" {
				account = val
			}
		case "secret_key", "accountkey":
			c.SecretKey = val
		case "use_ssl":
			c.UseSSL = val == "true" || val == "1"
		case "defaultendpointsprotocol":
			proto = strings.ToLower(val)
		case "endpointsuffix":
			suffix = val
		}
	}
	if c.Endpoint == "" && account != "" && suffix != "" {
		c.Endpoint = account + ".blob." + suffix
		c.UseSSL = proto != "http"
	}
	if c.Endpoint == "" {
		return c, fmt.Errorf("blob connection string: no endpoint")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return c, fmt.Errorf("blob connection string: missing credentials")
	}
	return c, nil
}
