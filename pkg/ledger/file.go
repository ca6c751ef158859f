package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

const (
	eventsSubdir = "events"
	auditSubdir  = "audit"
)

// FileLedger stores each run's streams as JSONL files under
// <root>/events/<run_id>.jsonl and <root>/audit/<run_id>.jsonl, one JSON
// object per line. Appends to the same file are serialized by a per-file
// lock and fsync'd before returning.
type FileLedger struct {
	root  string
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileLedger creates the stream directories under root.
func NewFileLedger(root string) (*FileLedger, error) {
	for _, sub := range []string{eventsSubdir, auditSubdir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: ensure %s dir: %w", sub, err)
		}
	}
	return &FileLedger{
		root:  root,
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// WithClock overrides time acquisition for deterministic tests.
func (l *FileLedger) WithClock(clock func() time.Time) *FileLedger {
	l.clock = clock
	return l
}

// EventPath returns the event stream file for a run.
func (l *FileLedger) EventPath(runID string) string {
	return filepath.Join(l.root, eventsSubdir, runID+".jsonl")
}

// AuditPath returns the audit stream file for a run.
func (l *FileLedger) AuditPath(runID string) string {
	return filepath.Join(l.root, auditSubdir, runID+".jsonl")
}

func (l *FileLedger) fileLock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[path] = lock
	}
	return lock
}

// AppendEvent stamps persisted_at and durably appends the event to the run's
// event stream.
func (l *FileLedger) AppendEvent(ctx context.Context, event *contracts.EventRecord) error {
	if event.RunID == "" {
		return fmt.Errorf("ledger: event missing run id")
	}
	if event.ID == "" {
		event.ID = contracts.NewID(contracts.EventIDPrefix)
	}
	now := l.clock().UTC()
	if event.At.IsZero() {
		event.At = now
	}
	event.PersistedAt = now
	return l.appendLine(ctx, l.EventPath(event.RunID), event)
}

// AppendAudit stamps persisted_at and durably appends the entry to the run's
// audit stream.
func (l *FileLedger) AppendAudit(ctx context.Context, audit *contracts.AuditRecord) error {
	if audit.RunID == "" {
		return fmt.Errorf("ledger: audit entry missing run id")
	}
	if audit.ID == "" {
		audit.ID = contracts.NewID(contracts.AuditIDPrefix)
	}
	now := l.clock().UTC()
	if audit.OccurredAt.IsZero() {
		audit.OccurredAt = now
	}
	audit.PersistedAt = now
	return l.appendLine(ctx, l.AuditPath(audit.RunID), audit)
}

func (l *FileLedger) appendLine(ctx context.Context, path string, entry any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}

	lock := l.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("ledger: append %s: %w", path, err)
	}
	// Durability before the HTTP response returns.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ledger: sync %s: %w", path, err)
	}
	return nil
}

// ReadEvents returns one insertion-ordered page of the run's event stream.
func (l *FileLedger) ReadEvents(ctx context.Context, runID string, limit, offset int) (EventPage, error) {
	if !validPage(limit, offset) {
		return EventPage{}, ErrInvalidPage
	}
	var all []contracts.EventRecord
	if err := l.readAll(ctx, l.EventPath(runID), func(line []byte) error {
		var rec contracts.EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		all = append(all, rec)
		return nil
	}); err != nil {
		return EventPage{}, err
	}
	page := EventPage{Total: len(all), Limit: limit, Offset: offset, Items: []contracts.EventRecord{}}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page.Items = all[offset:end]
	}
	return page, nil
}

// ReadAudit returns one insertion-ordered page of the run's audit stream.
func (l *FileLedger) ReadAudit(ctx context.Context, runID string, limit, offset int) (AuditPage, error) {
	if !validPage(limit, offset) {
		return AuditPage{}, ErrInvalidPage
	}
	var all []contracts.AuditRecord
	if err := l.readAll(ctx, l.AuditPath(runID), func(line []byte) error {
		var rec contracts.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		all = append(all, rec)
		return nil
	}); err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Total: len(all), Limit: limit, Offset: offset, Items: []contracts.AuditRecord{}}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page.Items = all[offset:end]
	}
	return page, nil
}

func (l *FileLedger) readAll(ctx context.Context, path string, decode func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := l.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := decode(line); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: scan %s: %w", path, err)
	}
	return nil
}
