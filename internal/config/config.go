/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config reads the process configuration from the environment.
// Every knob has a default suitable for the single-instance deployment;
// multi-instance deployments set SHARD per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// Address the HTTP front-end listens on.
	ListenAddr string

	// SQLite database path.
	DBPath string

	// Path of the clients file (one client_id per line).
	ClientsFile string

	// 1-based shard index and total shard count ("i/N").
	Shard  int
	Shards int

	// Seconds between retention sweeps.
	CleanupInterval int64

	// Seconds a terminal envelope survives past its last activity. Twice
	// the user-visible retention so siblings of one submission do not
	// disappear one by one.
	RetentionPeriod int64

	// Seconds before a transiently-failed envelope is retried.
	RetryInterval int64

	// Port used for outbound SMTP connections.
	SMTPPort string

	// EHLO hostname and Message-ID domain.
	Hostname string

	// Fixed domain -> MX mapping ("dom1:mx1,mx2;dom2:mx3"); live DNS when
	// empty.
	StaticMXConfig string

	DeliveryThreads     int
	MaxDeliveryAttempts int
}

func Default() Config {
	return Config{
		ListenAddr:          ":5000",
		DBPath:              "/mailq/messages.db",
		ClientsFile:         "/conf/clients",
		Shard:               1,
		Shards:              1,
		CleanupInterval:     300,
		RetentionPeriod:     2 * 3 * 3600,
		RetryInterval:       600,
		SMTPPort:            "25",
		Hostname:            "localhost.localdomain",
		DeliveryThreads:     5,
		MaxDeliveryAttempts: 4,
	}
}

// FromEnv overlays environment variables onto the defaults. A malformed
// value is a startup error; running with a half-understood configuration
// is worse than not starting.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLIENTS_FILE"); v != "" {
		cfg.ClientsFile = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("config: SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = v
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	cfg.StaticMXConfig = os.Getenv("STATIC_MX_CONFIG")

	var err error
	if cfg.CleanupInterval, err = intEnv("CLEANUP_INTERVAL", cfg.CleanupInterval); err != nil {
		return cfg, err
	}
	if cfg.RetentionPeriod, err = intEnv("RETENTION_PERIOD", cfg.RetentionPeriod); err != nil {
		return cfg, err
	}
	if cfg.RetryInterval, err = intEnv("RETRY_INTERVAL", cfg.RetryInterval); err != nil {
		return cfg, err
	}

	threads, err := intEnv("DELIVERY_THREADS", int64(cfg.DeliveryThreads))
	if err != nil {
		return cfg, err
	}
	if threads < 1 {
		return cfg, fmt.Errorf("config: DELIVERY_THREADS: must be positive")
	}
	cfg.DeliveryThreads = int(threads)

	attempts, err := intEnv("MAX_DELIVERY_ATTEMPTS", int64(cfg.MaxDeliveryAttempts))
	if err != nil {
		return cfg, err
	}
	if attempts < 1 {
		return cfg, fmt.Errorf("config: MAX_DELIVERY_ATTEMPTS: must be positive")
	}
	cfg.MaxDeliveryAttempts = int(attempts)

	if v := os.Getenv("SHARD"); v != "" {
		cfg.Shard, cfg.Shards, err = ParseShard(v)
		if err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ParseShard parses the "i/N" shard designation, i being 1-based.
func ParseShard(v string) (shard, shards int, err error) {
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: SHARD: expected i/N, got %q", v)
	}
	shard, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("config: SHARD: %w", err)
	}
	shards, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("config: SHARD: %w", err)
	}
	if shards < 1 || shard < 1 || shard > shards {
		return 0, 0, fmt.Errorf("config: SHARD: %q out of range", v)
	}
	return shard, shards, nil
}

func intEnv(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s: must not be negative", name)
	}
	return n, nil
}
