package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/flockmesh/flockmesh/pkg/config"
	"github.com/flockmesh/flockmesh/pkg/connector"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/signing"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `flockmesh doctor` — validates the configuration
// and data directories without starting the plane.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
		return printDoctorResults(stdout, results, allOK)
	}
	results = append(results, checkResult{Name: "config", Status: "ok"})

	if cfg.DatabaseURL == "" {
		results = append(results, checkResult{
			Name:   "database_url",
			Status: "warn",
			Detail: "FLOCKMESH_DATABASE_URL not set; state will be in-memory",
		})
	} else {
		results = append(results, checkResult{Name: "database_url", Status: "ok", Detail: "set"})
	}

	if lib, err := policy.LoadDir(cfg.PolicyDir); err != nil {
		results = append(results, checkResult{Name: "policy_dir", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "policy_dir",
			Status: "ok",
			Detail: fmt.Sprintf("%d profiles in %s", len(lib.Names()), cfg.PolicyDir),
		})
	}

	catalog := connector.NewCatalog(cfg.AttestationKeys, cfg.RequireAttestation)
	if err := catalog.LoadDir(cfg.CatalogDir); err != nil {
		results = append(results, checkResult{Name: "connector_catalog", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "connector_catalog",
			Status: "ok",
			Detail: fmt.Sprintf("%d connectors in %s", len(catalog.ConnectorIDs()), cfg.CatalogDir),
		})
	}

	if cfg.MCPAllowlistFile == "" {
		results = append(results, checkResult{
			Name:   "mcp_allowlist",
			Status: "warn",
			Detail: "FLOCKMESH_MCP_ALLOWLIST_FILE not set; gateway calls will be blocked",
		})
	} else if _, err := connector.LoadAllowlist(cfg.MCPAllowlistFile); err != nil {
		results = append(results, checkResult{Name: "mcp_allowlist", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "mcp_allowlist", Status: "ok"})
	}

	keys, err := signing.Resolve(cfg.ExportSignKeys, cfg.ExportSignKeyID, nil)
	if err != nil {
		results = append(results, checkResult{Name: "export_signing", Status: "fail", Detail: err.Error()})
		allOK = false
	} else if keys.ActiveKeyID() == signing.DevKeyID {
		results = append(results, checkResult{
			Name:   "export_signing",
			Status: "warn",
			Detail: "using the built-in dev signing key; set FLOCKMESH_INCIDENT_EXPORT_SIGN_KEYS",
		})
	} else {
		results = append(results, checkResult{Name: "export_signing", Status: "ok", Detail: "active key " + keys.ActiveKeyID()})
	}

	if detail, err := probeWritable(cfg.LedgerDir); err != nil {
		results = append(results, checkResult{Name: "ledger_dir", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "ledger_dir", Status: "ok", Detail: detail})
	}

	return printDoctorResults(stdout, results, allOK)
}

// probeWritable confirms the directory exists (creating it if needed) and
// accepts writes, the same guarantee the ledger needs at boot.
func probeWritable(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return "", err
	}
	_ = os.Remove(probe)
	return dir + " writable", nil
}

func printDoctorResults(stdout io.Writer, results []checkResult, allOK bool) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)
	if allOK {
		return 0
	}
	return 1
}
