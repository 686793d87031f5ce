// Package config loads the Monitor360 daemon's process configuration.
//
// Configuration is env-first, per spec: every setting in the environment
// variable list below can be set directly. An optional TOML file (path
// given by M360_CONFIG_FILE or the default /etc/monitor360/config.toml) can
// supply the same fields for local development; environment variables
// always take precedence over the file, mirroring the split precedence
// bamgate's config.go gives its public/secret TOML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level process configuration for the Monitor360 daemon.
type Config struct {
	// DatabaseURL is the Postgres connection string (DATABASE_URL).
	DatabaseURL string `toml:"database_url"`

	// SupabaseURL is the identity provider base URL (SUPABASE_URL).
	SupabaseURL string `toml:"supabase_url"`

	// SupabaseProjectRef identifies the Supabase project (SUPABASE_PROJECT_REF).
	SupabaseProjectRef string `toml:"supabase_project_ref"`

	// SupabaseJWTSecret is the HMAC secret for symmetric JWT verification
	// (SUPABASE_JWT_SECRET). May be empty if only JWKS verification is used.
	SupabaseJWTSecret string `toml:"supabase_jwt_secret"`

	// FrontendBaseURL is the base URL of the QR pairing deep links
	// (FRONTEND_BASE_URL).
	FrontendBaseURL string `toml:"frontend_base_url"`

	// WGPoolCIDR is the address pool for server-side WireGuard peer
	// registration (WG_POOL_CIDR).
	WGPoolCIDR string `toml:"wg_pool_cidr"`

	// WGServerPublicKey is this host's WireGuard server public key
	// (WG_SERVER_PUBLIC_KEY).
	WGServerPublicKey string `toml:"wg_server_public_key"`

	// WGEndpointHost/WGEndpointPort form the endpoint advertised to new peers
	// (WG_ENDPOINT_HOST, WG_ENDPOINT_PORT).
	WGEndpointHost string `toml:"wg_endpoint_host"`
	WGEndpointPort int    `toml:"wg_endpoint_port"`

	// WGDNSDefault is the default DNS server advertised to new peers
	// (WG_DNS_DEFAULT).
	WGDNSDefault string `toml:"wg_dns_default"`

	// WGInterface is this host's server-side WireGuard interface name
	// (WG_INTERFACE).
	WGInterface string `toml:"wg_interface"`

	// RunDBMigrations controls whether the daemon applies schema migrations
	// on startup (RUN_DB_MIGRATIONS).
	RunDBMigrations bool `toml:"run_db_migrations"`

	// ListenAddr is the HTTP/WS listen address. Not in spec.md's env list;
	// defaults to ":8080".
	ListenAddr string `toml:"listen_addr"`
}

// DefaultConfigPath is the local-development TOML overlay location.
const DefaultConfigPath = "/etc/monitor360/config.toml"

// DefaultListenAddr is used when no listen address is configured.
const DefaultListenAddr = ":8080"

// Load builds a Config from the optional TOML overlay followed by
// environment variables, which always win. Missing overlay file is not an
// error — production deployments are expected to run on environment
// variables alone.
func Load() (*Config, error) {
	cfg := &Config{ListenAddr: DefaultListenAddr}

	path := os.Getenv("M360_CONFIG_FILE")
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strField(&cfg.DatabaseURL, "DATABASE_URL")
	strField(&cfg.SupabaseURL, "SUPABASE_URL")
	strField(&cfg.SupabaseProjectRef, "SUPABASE_PROJECT_REF")
	strField(&cfg.SupabaseJWTSecret, "SUPABASE_JWT_SECRET")
	strField(&cfg.FrontendBaseURL, "FRONTEND_BASE_URL")
	strField(&cfg.WGPoolCIDR, "WG_POOL_CIDR")
	strField(&cfg.WGServerPublicKey, "WG_SERVER_PUBLIC_KEY")
	strField(&cfg.WGEndpointHost, "WG_ENDPOINT_HOST")
	strField(&cfg.WGDNSDefault, "WG_DNS_DEFAULT")
	strField(&cfg.WGInterface, "WG_INTERFACE")
	strField(&cfg.ListenAddr, "M360_LISTEN_ADDR")

	if v := os.Getenv("WG_ENDPOINT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WGEndpointPort = n
		}
	}
	if v := os.Getenv("RUN_DB_MIGRATIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RunDBMigrations = b
		}
	}
}

func strField(field *string, env string) {
	if v := os.Getenv(env); v != "" {
		*field = v
	}
}

// RotationCooldown is the credential-rotation cooldown from spec.md §4.D.
const RotationCooldown = 180 * time.Second

// KeepaliveInterval is the RouterOS connection keepalive period from spec.md §5.
const KeepaliveInterval = 30 * time.Second

// QRSessionTTL is the QR pairing session TTL from spec.md §3.
const QRSessionTTL = 300 * time.Second
