// Package config loads the control plane's runtime configuration.
// Everything comes from FLOCKMESH_* environment variables, optionally
// underlaid by a YAML file (FLOCKMESH_CONFIG_FILE); the environment wins
// wherever both are set. Secret material (signing keys, attestation keys,
// the admin roster) is environment-only and never read from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flockmesh/flockmesh/pkg/connector"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
)

// Archive backends accepted by FLOCKMESH_EXPORT_ARCHIVE. Empty disables
// export archiving.
const (
	ArchiveFS  = "fs"
	ArchiveS3  = "s3"
	ArchiveGCS = "gcs"
)

// Config holds everything the server binary needs to wire the plane.
type Config struct {
	Addr     string
	LogLevel string

	// DatabaseURL selects Postgres when set and sqlite:// paths for
	// embedded deployments; empty runs on the in-memory store.
	DatabaseURL string
	LedgerDir   string
	RedisAddr   string

	PolicyDir       string
	PatchHistoryDir string
	PolicyAdmins    policypatch.Admins

	CatalogDir         string
	MCPAllowlistFile   string
	AttestationKeys    map[string]string
	RequireAttestation bool
	AdapterTimeout     time.Duration
	RetryPolicy        connector.RetryPolicy
	RatePolicies       connector.RatePolicyTable

	TrustedDefaultActorID string
	AllowedOrigins        []string
	BoundaryRateRPS       float64
	BoundaryRateBurst     int

	// ExportSignKeys is the raw {key_id: secret} JSON handed to the
	// signing keyring at boot; it is never parsed here.
	ExportSignKeys  string
	ExportSignKeyID string
	ArchiveBackend  string
	ArchiveDir      string
	ArchiveBucket   string
	ArchivePrefix   string

	OTelEndpoint string
	OTelInsecure bool
	ServiceName  string
}

// Load reads the environment, underlays the optional YAML file, and
// validates every structured value. A malformed value fails the boot
// rather than falling back silently.
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("FLOCKMESH_CONFIG_FILE"); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	cfg := &Config{
		Addr:                  pick("FLOCKMESH_ADDR", file.Addr, ":8787"),
		LogLevel:              pick("FLOCKMESH_LOG_LEVEL", file.LogLevel, "info"),
		DatabaseURL:           pick("FLOCKMESH_DATABASE_URL", file.DatabaseURL, ""),
		LedgerDir:             pick("FLOCKMESH_LEDGER_DIR", file.LedgerDir, "data/ledger"),
		RedisAddr:             pick("FLOCKMESH_REDIS_ADDR", file.RedisAddr, ""),
		PolicyDir:             pick("FLOCKMESH_POLICY_DIR", file.PolicyDir, "policies"),
		PatchHistoryDir:       pick("FLOCKMESH_PATCH_HISTORY_DIR", file.PatchHistoryDir, "data/patches"),
		CatalogDir:            pick("FLOCKMESH_CATALOG_DIR", file.CatalogDir, "catalog"),
		MCPAllowlistFile:      pick("FLOCKMESH_MCP_ALLOWLIST_FILE", file.MCPAllowlistFile, ""),
		TrustedDefaultActorID: pick("FLOCKMESH_TRUSTED_DEFAULT_ACTOR_ID", file.TrustedDefaultActorID, ""),
		ExportSignKeys:        os.Getenv("FLOCKMESH_INCIDENT_EXPORT_SIGN_KEYS"),
		ExportSignKeyID:       os.Getenv("FLOCKMESH_INCIDENT_EXPORT_SIGN_KEY_ID"),
		ArchiveBackend:        pick("FLOCKMESH_EXPORT_ARCHIVE", file.Archive.Backend, ""),
		ArchiveDir:            pick("FLOCKMESH_EXPORT_ARCHIVE_DIR", file.Archive.Dir, "data/exports"),
		ArchiveBucket:         pick("FLOCKMESH_EXPORT_ARCHIVE_BUCKET", file.Archive.Bucket, ""),
		ArchivePrefix:         pick("FLOCKMESH_EXPORT_ARCHIVE_PREFIX", file.Archive.Prefix, ""),
		OTelEndpoint:          pick("FLOCKMESH_OTEL_ENDPOINT", file.OTelEndpoint, ""),
		ServiceName:           pick("FLOCKMESH_SERVICE_NAME", file.ServiceName, "flockmesh"),
	}

	cfg.AllowedOrigins = splitOrigins(os.Getenv("FLOCKMESH_ALLOWED_ORIGINS"))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = file.AllowedOrigins
	}

	var err error
	if cfg.BoundaryRateRPS, err = envFloat("FLOCKMESH_BOUNDARY_RATE_LIMIT_RPS", file.Boundary.RPS, 50); err != nil {
		return nil, err
	}
	if cfg.BoundaryRateBurst, err = envInt("FLOCKMESH_BOUNDARY_RATE_LIMIT_BURST", file.Boundary.Burst, 100); err != nil {
		return nil, err
	}
	timeoutMs, err := envInt64("FLOCKMESH_ADAPTER_TIMEOUT_MS", file.AdapterTimeoutMs, 10_000)
	if err != nil {
		return nil, err
	}
	if timeoutMs <= 0 {
		return nil, fmt.Errorf("config: adapter timeout must be positive, got %dms", timeoutMs)
	}
	cfg.AdapterTimeout = time.Duration(timeoutMs) * time.Millisecond

	if cfg.PolicyAdmins, err = policypatch.ParseAdmins(os.Getenv("FLOCKMESH_POLICY_ADMINS")); err != nil {
		return nil, err
	}
	if cfg.RetryPolicy, err = connector.ParseRetryPolicy(os.Getenv("FLOCKMESH_ADAPTER_RETRY_POLICY")); err != nil {
		return nil, err
	}
	if cfg.RatePolicies, err = connector.ParseRatePolicyTable(os.Getenv("FLOCKMESH_CONNECTOR_RATE_LIMIT_POLICY")); err != nil {
		return nil, err
	}
	if cfg.AttestationKeys, err = connector.ParseAttestationKeys(os.Getenv("FLOCKMESH_CONNECTOR_ATTESTATION_KEYS")); err != nil {
		return nil, err
	}
	cfg.RequireAttestation = os.Getenv("FLOCKMESH_CONNECTOR_REQUIRE_ATTESTATION") == "true"
	cfg.OTelInsecure = os.Getenv("FLOCKMESH_OTEL_INSECURE") == "true"

	switch cfg.ArchiveBackend {
	case "", ArchiveFS, ArchiveS3, ArchiveGCS:
	default:
		return nil, fmt.Errorf("config: unknown export archive backend %q (want fs, s3 or gcs)", cfg.ArchiveBackend)
	}
	if (cfg.ArchiveBackend == ArchiveS3 || cfg.ArchiveBackend == ArchiveGCS) && cfg.ArchiveBucket == "" {
		return nil, fmt.Errorf("config: export archive backend %q needs FLOCKMESH_EXPORT_ARCHIVE_BUCKET", cfg.ArchiveBackend)
	}

	return cfg, nil
}

// pick resolves one string setting: environment, then file, then default.
func pick(envKey, fileVal, def string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func envFloat(envKey string, fileVal, def float64) (float64, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		if fileVal != 0 {
			return fileVal, nil
		}
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", envKey, err)
	}
	return v, nil
}

func envInt(envKey string, fileVal, def int) (int, error) {
	v, err := envInt64(envKey, int64(fileVal), int64(def))
	return int(v), err
}

func envInt64(envKey string, fileVal, def int64) (int64, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		if fileVal != 0 {
			return fileVal, nil
		}
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", envKey, err)
	}
	return v, nil
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
