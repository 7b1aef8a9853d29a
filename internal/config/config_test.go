package config

import (
	"testing"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":5000" {
		t.Errorf("Wrong ListenAddr: %v", cfg.ListenAddr)
	}
	if cfg.Shard != 1 || cfg.Shards != 1 {
		t.Errorf("Wrong shard defaults: %d/%d", cfg.Shard, cfg.Shards)
	}
	if cfg.RetryInterval != 600 {
		t.Errorf("Wrong RetryInterval: %v", cfg.RetryInterval)
	}
	if cfg.CleanupInterval != 300 {
		t.Errorf("Wrong CleanupInterval: %v", cfg.CleanupInterval)
	}
	if cfg.RetentionPeriod != 21600 {
		t.Errorf("Wrong RetentionPeriod: %v", cfg.RetentionPeriod)
	}
	if cfg.DeliveryThreads != 5 {
		t.Errorf("Wrong DeliveryThreads: %v", cfg.DeliveryThreads)
	}
	if cfg.MaxDeliveryAttempts != 4 {
		t.Errorf("Wrong MaxDeliveryAttempts: %v", cfg.MaxDeliveryAttempts)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":8080")
	t.Setenv("RETRY_INTERVAL", "120")
	t.Setenv("SHARD", "2/4")
	t.Setenv("DELIVERY_THREADS", "10")
	t.Setenv("STATIC_MX_CONFIG", "a.org:mx.a.org")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("Wrong ListenAddr: %v", cfg.ListenAddr)
	}
	if cfg.RetryInterval != 120 {
		t.Errorf("Wrong RetryInterval: %v", cfg.RetryInterval)
	}
	if cfg.Shard != 2 || cfg.Shards != 4 {
		t.Errorf("Wrong shard assignment: %d/%d", cfg.Shard, cfg.Shards)
	}
	if cfg.DeliveryThreads != 10 {
		t.Errorf("Wrong DeliveryThreads: %v", cfg.DeliveryThreads)
	}
	if cfg.StaticMXConfig != "a.org:mx.a.org" {
		t.Errorf("Wrong StaticMXConfig: %v", cfg.StaticMXConfig)
	}
}

func TestFromEnv_Malformed(t *testing.T) {
	for name, value := range map[string]string{
		"RETRY_INTERVAL":        "soon",
		"CLEANUP_INTERVAL":      "-1",
		"DELIVERY_THREADS":      "0",
		"MAX_DELIVERY_ATTEMPTS": "0",
		"SMTP_PORT":             "smtp",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("No error for %s=%s", name, value)
			}
		})
	}
}

func TestParseShard(t *testing.T) {
	shard, shards, err := ParseShard("3/5")
	if err != nil {
		t.Fatal(err)
	}
	if shard != 3 || shards != 5 {
		t.Errorf("Wrong result: %d/%d", shard, shards)
	}

	for _, malformed := range []string{"", "3", "0/5", "6/5", "-1/5", "a/b", "1/0"} {
		if _, _, err := ParseShard(malformed); err == nil {
			t.Errorf("No error for %q", malformed)
		}
	}
}
