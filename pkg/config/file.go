package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML form of the deploy-shape settings. Structured
// operational values (retry, rate, admin roster) and all secrets stay in
// the environment.
type fileConfig struct {
	Addr                  string   `yaml:"addr"`
	LogLevel              string   `yaml:"log_level"`
	DatabaseURL           string   `yaml:"database_url"`
	LedgerDir             string   `yaml:"ledger_dir"`
	RedisAddr             string   `yaml:"redis_addr"`
	PolicyDir             string   `yaml:"policy_dir"`
	PatchHistoryDir       string   `yaml:"patch_history_dir"`
	CatalogDir            string   `yaml:"catalog_dir"`
	MCPAllowlistFile      string   `yaml:"mcp_allowlist_file"`
	TrustedDefaultActorID string   `yaml:"trusted_default_actor_id"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	AdapterTimeoutMs      int64    `yaml:"adapter_timeout_ms"`
	OTelEndpoint          string   `yaml:"otel_endpoint"`
	ServiceName           string   `yaml:"service_name"`

	Boundary struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"boundary_rate_limit"`

	Archive struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"archive"`
}

// loadFile reads and decodes one YAML config file. Unknown keys are
// rejected so a typo cannot silently fall through to a default.
func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var file fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &file, nil
}
