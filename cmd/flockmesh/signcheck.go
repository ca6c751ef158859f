package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/flockmesh/flockmesh/pkg/integrity"
	"github.com/flockmesh/flockmesh/pkg/signing"
)

// runSignCheckCmd implements `flockmesh sign-check` — verifies a signed
// export document (incident, replay, or patch-history export) against the
// key ring resolved from the environment.
//
// Exit codes:
//
//	0 = signature valid
//	1 = signature invalid or payload tampered
//	2 = runtime error
func runSignCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign-check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to a signed export JSON document (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var export integrity.SignedExport
	if err := json.Unmarshal(raw, &export); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: not a signed export document: %v\n", err)
		return 2
	}

	keys, err := signing.Resolve(
		os.Getenv("FLOCKMESH_INCIDENT_EXPORT_SIGN_KEYS"),
		os.Getenv("FLOCKMESH_INCIDENT_EXPORT_SIGN_KEY_ID"),
		nil,
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ok, err := integrity.VerifyExport(keys, &export)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"file":         file,
			"kind":         export.Envelope.Kind,
			"key_id":       export.Signature.KeyID,
			"payload_hash": export.Signature.PayloadHash,
			"verified":     ok,
		})
	} else if ok {
		_, _ = fmt.Fprintf(stdout, "OK: %s export signed by %s\n", export.Envelope.Kind, export.Signature.KeyID)
	} else {
		_, _ = fmt.Fprintf(stdout, "FAIL: signature does not verify (key %s)\n", export.Signature.KeyID)
	}

	if ok {
		return 0
	}
	return 1
}
