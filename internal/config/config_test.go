package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Broker: BrokerConfig{
			Flavor:                "kafka",
			Brokers:               []string{"localhost:9092"},
			GroupID:               "g1",
			Topics:                []string{"payment-events"},
			FetchMaxBytes:         52428800,
			MaxMessages:           100,
			ConsumeTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			DSN:                   "postgres://localhost/test",
			MaxConns:              10,
			MinConns:              2,
			ConnectTimeoutSeconds: 30,
			IdleRecycleSeconds:    300,
		},
		Archive: ArchiveConfig{
			ConnectionString:     "endpoint=localhost:9000;access_key=a;secret_key=s",
			Container:            "payment-events",
			PathPrefix:           "raw_events",
			BatchSize:            1000,
			FlushIntervalSeconds: 60,
			MaxBufferSize:        5000,
			Compression:          "snappy",
			UploadTimeoutSeconds: 30,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_UnknownFlavor(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Flavor = "rabbitmq"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown broker flavor")
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoGroupID(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.GroupID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty group_id")
	}
}

func TestValidate_NoTopics(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Topics = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty topics")
	}
}

func TestValidate_BatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for archive.batch_size = 0")
	}
}

func TestValidate_MaxBufferBelowBatch(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.MaxBufferSize = 500
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_buffer_size < batch_size")
	}
}

func TestValidate_BadCompression(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Compression = "lzma"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown compression codec")
	}
}

func TestValidate_MinConnsAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.MinConns = 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for min_conns > max_conns")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
broker:
  brokers:
    - "localhost:9092"
  group_id: "g1"
  topics:
    - "payment-events"
postgres:
  dsn: "postgres://localhost/test"
archive:
  connection_string: "endpoint=localhost:9000;access_key=a;secret_key=s"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Archive.BatchSize != 1000 {
		t.Errorf("expected default batch_size 1000, got %d", cfg.Archive.BatchSize)
	}
	if cfg.Archive.Compression != "snappy" {
		t.Errorf("expected default compression snappy, got %q", cfg.Archive.Compression)
	}
	if cfg.Postgres.IdleRecycleSeconds != 300 {
		t.Errorf("expected default idle_recycle_seconds 300, got %d", cfg.Postgres.IdleRecycleSeconds)
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TXN_INGESTER_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_WellKnownEnvWins(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("POSTGRES_CONNECTION_STRING", "postgres://primary/payments")
	t.Setenv("BLOB_CONTAINER_NAME", "events-prod")
	t.Setenv("BLOB_BATCH_SIZE", "250")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://primary/payments" {
		t.Errorf("expected DSN from POSTGRES_CONNECTION_STRING, got %q", cfg.Postgres.DSN)
	}
	if cfg.Archive.Container != "events-prod" {
		t.Errorf("expected container from BLOB_CONTAINER_NAME, got %q", cfg.Archive.Container)
	}
	if cfg.Archive.BatchSize != 250 {
		t.Errorf("expected batch size 250 from BLOB_BATCH_SIZE, got %d", cfg.Archive.BatchSize)
	}
}

func TestLoad_VarRefExpansion(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("DB_PASS", "s3cret")
	t.Setenv("POSTGRES_CONNECTION_STRING", "postgres://user:${DB_PASS}@db/payments")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://user:s3cret@db/payments" {
		t.Errorf("expected ${DB_PASS} expanded, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EventHubFlavor(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
broker:
  flavor: "eventhub"
  group_id: "g1"
  topics:
    - "payment-events"
postgres:
  dsn: "postgres://localhost/test"
archive:
  connection_string: "endpoint=localhost:9000;access_key=a;secret_key=s"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EVENT_HUB_CONNECTION_STRING",
		"Endpoint=sb://payns.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=abc")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Broker.Brokers) != 1 || cfg.Broker.Brokers[0] != "payns.servicebus.windows.net:9093" {
		t.Errorf("expected derived kafka endpoint, got %v", cfg.Broker.Brokers)
	}
	if !cfg.Broker.SASL.Enabled || cfg.Broker.SASL.Username != "$ConnectionString" {
		t.Errorf("expected SASL PLAIN with $ConnectionString user, got %+v", cfg.Broker.SASL)
	}
	if !cfg.Broker.TLS.Enabled {
		t.Error("expected TLS forced on for eventhub flavor")
	}
}

func TestParseBlobConnectionString_Plain(t *testing.T) {
	c, err := ParseBlobConnectionString("endpoint=minio:9000;access_key=ak;secret_key=sk;use_ssl=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Endpoint != "minio:9000" || c.AccessKey != "ak" || c.SecretKey != "sk" || !c.UseSSL {
		t.Errorf("unexpected credentials: %+v", c)
	}
}

func TestParseBlobConnectionString_Hosted(t *testing.T) {
	c, err := ParseBlobConnectionString(
		"DefaultEndpointsProtocol=https;AccountName=payacct;AccountKey=k1;EndpointSuffix=core.windows.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Endpoint != "payacct.blob.core.windows.net" {
		t.Errorf("unexpected endpoint %q", c.Endpoint)
	}
	if !c.UseSSL {
		t.Error("expected use_ssl inferred from https protocol")
	}
}

func TestParseBlobConnectionString_MissingCreds(t *testing.T) {
	if _, err := ParseBlobConnectionString("endpoint=minio:9000"); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
