package policypatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/policy"
)

// Operation distinguishes history entries written by a patch from entries
// written by a rollback.
type Operation string

const (
	OperationPatch    Operation = "patch"
	OperationRollback Operation = "rollback"
)

// TargetState names which snapshot of the targeted history entry a rollback
// restores.
type TargetState string

const (
	TargetBefore TargetState = "before"
	TargetAfter  TargetState = "after"
)

// Pagination bounds for history reads.
const (
	MinLimit = 1
	MaxLimit = 500
)

// ErrInvalidPage marks a history read with an out-of-range limit or offset.
var ErrInvalidPage = errors.New("policypatch: limit must be in [1,500] and offset must be >= 0")

const historyFileName = "history.jsonl"

// Entry is one applied change to the policy catalog. It carries the full
// before and after documents so rollbacks can restore either side without
// replaying intermediate patches.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type Entry struct {
	PatchID           string             `json:"patch_id"`
	Operation         Operation          `json:"operation"`
	ProfileName       string             `json:"profile_name"`
	ActorID           string             `json:"actor_id"`
	Reason            string             `json:"reason,omitempty"`
	AppliedAt         time.Time          `json:"applied_at"`
	FilePath          string             `json:"file_path"`
	BeforeProfileHash string             `json:"before_profile_hash"`
	AfterProfileHash  string             `json:"after_profile_hash"`
	Summary           string             `json:"summary"`
	Changes           Changes            `json:"changes"`
	SimulationPreview *SimulationPreview `json:"simulation_preview,omitempty"`
	BeforeDocument    policy.Profile     `json:"before_document"`
	AfterDocument     policy.Profile     `json:"after_document"`
	TargetPatchID     string             `json:"target_patch_id,omitempty"`
	TargetState       TargetState        `json:"target_state,omitempty"`
}

// Page is one window of the history journal, newest first.
type Page struct {
	Items  []Entry `json:"items"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// History is the append-only patch journal, one JSON object per line. Writes
// are serialized and fsync'd before returning, matching the run ledgers.
type History struct {
	path string
	mu   sync.Mutex
}

// NewHistory creates the journal directory and returns a journal handle.
func NewHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("policypatch: ensure history dir: %w", err)
	}
	return &History{path: filepath.Join(dir, historyFileName)}, nil
}

// Path returns the journal file location.
func (h *History) Path() string {
	return h.path
}

// Append durably appends one entry to the journal.
func (h *History) Append(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("policypatch: marshal history entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("policypatch: open %s: %w", h.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("policypatch: append %s: %w", h.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("policypatch: sync %s: %w", h.path, err)
	}
	return nil
}

// List returns one page of entries, most recently applied first. An empty
// profileName matches every profile.
func (h *History) List(ctx context.Context, profileName string, limit, offset int) (Page, error) {
	if limit < MinLimit || limit > MaxLimit || offset < 0 {
		return Page{}, ErrInvalidPage
	}
	all, err := h.readAll(ctx)
	if err != nil {
		return Page{}, err
	}
	filtered := all[:0:0]
	for _, e := range all {
		if profileName == "" || e.ProfileName == profileName {
			filtered = append(filtered, e)
		}
	}
	// File order is append order; reverse first so stable sort keeps the
	// latest append ahead of an equal timestamp.
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].AppliedAt.After(filtered[j].AppliedAt)
	})

	page := Page{Total: len(filtered), Limit: limit, Offset: offset, Items: []Entry{}}
	if offset < len(filtered) {
		end := offset + limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page.Items = filtered[offset:end]
	}
	return page, nil
}

// Latest returns the most recently applied entry for a profile.
func (h *History) Latest(ctx context.Context, profileName string) (*Entry, bool, error) {
	page, err := h.List(ctx, profileName, 1, 0)
	if err != nil {
		return nil, false, err
	}
	if len(page.Items) == 0 {
		return nil, false, nil
	}
	entry := page.Items[0]
	return &entry, true, nil
}

// Get looks an entry up by patch id.
func (h *History) Get(ctx context.Context, patchID string) (*Entry, bool, error) {
	all, err := h.readAll(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range all {
		if all[i].PatchID == patchID {
			entry := all[i]
			return &entry, true, nil
		}
	}
	return nil, false, nil
}

func (h *History) readAll(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policypatch: open %s: %w", h.path, err)
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("policypatch: decode %s: %w", h.path, err)
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("policypatch: scan %s: %w", h.path, err)
	}
	return all, nil
}
