package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
	"github.com/flockmesh/flockmesh/pkg/signing"
)

// ExportKind names what an envelope carries.
type ExportKind string

const (
	ExportIncident     ExportKind = "incident"
	ExportReplay       ExportKind = "replay"
	ExportPatchHistory ExportKind = "policy_patch_history"
)

// ErrNoPatchHistory marks a history export on a service wired without the
// patch journal.
var ErrNoPatchHistory = errors.New("integrity: patch history journal not configured")

// Envelope is the signed payload of an export. The signature commits to the
// canonical form of this whole document.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type Envelope struct {
	Kind         ExportKind              `json:"kind"`
	GeneratedAt  time.Time               `json:"generated_at"`
	RunID        string                  `json:"run_id,omitempty"`
	Run          *contracts.RunRecord    `json:"run,omitempty"`
	Replay       *ReplayReport           `json:"replay,omitempty"`
	Events       []contracts.EventRecord `json:"events,omitempty"`
	Audit        []contracts.AuditRecord `json:"audit,omitempty"`
	PatchHistory *policypatch.Page       `json:"patch_history,omitempty"`
}

// SignedExport is an envelope plus its detached signature. ArchiveRef is
// set when the deployment archives exports.
type SignedExport struct {
	Envelope   Envelope          `json:"envelope"`
	Signature  signing.Signature `json:"signature"`
	ArchiveRef string            `json:"archive_ref,omitempty"`
}

// IncidentExport bundles everything an incident review needs for one run:
// the run record, the replay verdict, and both streams.
func (s *Service) IncidentExport(ctx context.Context, runID string, maxItemsPerStream int) (*SignedExport, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	replay, err := s.Replay(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	if maxItemsPerStream < 1 {
		maxItemsPerStream = DefaultMaxItemsPerStream
	}
	events, _, err := s.collectEvents(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	audits, _, err := s.collectAudit(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	return s.seal(ctx, Envelope{
		Kind:        ExportIncident,
		GeneratedAt: s.clock().UTC(),
		RunID:       runID,
		Run:         run,
		Replay:      replay,
		Events:      events,
		Audit:       audits,
	})
}

// ReplayExport bundles the evidence needed to re-derive a run's replay
// verdict: the run record and its event stream.
func (s *Service) ReplayExport(ctx context.Context, runID string, maxItemsPerStream int) (*SignedExport, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	replay, err := s.Replay(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	if maxItemsPerStream < 1 {
		maxItemsPerStream = DefaultMaxItemsPerStream
	}
	events, _, err := s.collectEvents(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	return s.seal(ctx, Envelope{
		Kind:        ExportReplay,
		GeneratedAt: s.clock().UTC(),
		RunID:       runID,
		Run:         run,
		Replay:      replay,
		Events:      events,
	})
}

// PatchHistoryExport signs one page of the policy patch journal, newest
// first. An empty profileName exports every profile.
func (s *Service) PatchHistoryExport(ctx context.Context, profileName string, limit, offset int) (*SignedExport, error) {
	if s.history == nil {
		return nil, ErrNoPatchHistory
	}
	page, err := s.history.List(ctx, profileName, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.seal(ctx, Envelope{
		Kind:         ExportPatchHistory,
		GeneratedAt:  s.clock().UTC(),
		PatchHistory: &page,
	})
}

// seal signs the envelope with the active key and archives the signed
// document when an archive is wired.
func (s *Service) seal(ctx context.Context, envelope Envelope) (*SignedExport, error) {
	sig, err := s.keys.Sign(envelope)
	if err != nil {
		return nil, fmt.Errorf("integrity: sign export: %w", err)
	}
	signed := &SignedExport{Envelope: envelope, Signature: sig}
	if s.archive == nil {
		return signed, nil
	}

	data, err := canonicalize.JCS(signed)
	if err != nil {
		return nil, fmt.Errorf("integrity: encode export for archive: %w", err)
	}
	ref, err := s.archive.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("integrity: archive export: %w", err)
	}
	signed.ArchiveRef = ref
	s.logger.Info("export archived", "kind", envelope.Kind, "ref", ref)
	return signed, nil
}

// VerifyExport checks a signed export against a key ring. It is the
// verification path for the sign-check tooling and for consumers of
// archived envelopes.
func VerifyExport(keys *signing.KeyRing, export *SignedExport) (bool, error) {
	return keys.Verify(export.Envelope, export.Signature)
}
