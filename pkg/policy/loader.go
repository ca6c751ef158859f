package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const profileFileSuffix = ".policy.json"

// ProfilePath returns the on-disk location of a named profile document.
func ProfilePath(dir, name string) string {
	return filepath.Join(dir, name+profileFileSuffix)
}

// LoadProfile reads and compiles one profile document.
func LoadProfile(path string) (*CompiledProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var doc Profile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	cp, err := Compile(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: compile %s: %w", path, err)
	}
	base := strings.TrimSuffix(filepath.Base(path), profileFileSuffix)
	if base != cp.Profile.Name {
		return nil, fmt.Errorf("policy: %s: file name does not match profile name %q", path, cp.Profile.Name)
	}
	return cp, nil
}

// LoadDir compiles every *.policy.json under dir into a fresh library.
func LoadDir(dir string) (*Library, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+profileFileSuffix))
	if err != nil {
		return nil, fmt.Errorf("policy: scan %s: %w", dir, err)
	}
	lib := NewLibrary()
	for _, path := range matches {
		cp, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		lib.Put(cp)
	}
	return lib, nil
}

// WriteProfile atomically replaces the profile's document on disk with its
// canonical form: write to a temp file in the same directory, fsync, rename.
// Readers never observe a half-written document.
func WriteProfile(dir string, cp *CompiledProfile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("policy: ensure dir %s: %w", dir, err)
	}
	target := ProfilePath(dir, cp.Profile.Name)
	tmp, err := os.CreateTemp(dir, "."+cp.Profile.Name+".tmp-*")
	if err != nil {
		return fmt.Errorf("policy: temp file for %s: %w", target, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(cp.Canonical); err != nil {
		tmp.Close()
		return fmt.Errorf("policy: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("policy: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("policy: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("policy: replace %s: %w", target, err)
	}
	return nil
}
