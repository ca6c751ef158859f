package artifacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flockmesh/flockmesh/pkg/integrity"
	"github.com/flockmesh/flockmesh/pkg/signing"
)

// Every Store doubles as the integrity service's export archiver.
var _ integrity.Archiver = Store(nil)

// Reader loads archived export documents and verifies their signature
// on every read. Verification is fail-closed: a reader without a key
// ring refuses to load anything.
type Reader struct {
	store Store
	keys  *signing.KeyRing
}

// NewReader wraps an archive store with verify-on-read semantics.
func NewReader(store Store, keys *signing.KeyRing) *Reader {
	return &Reader{store: store, keys: keys}
}

// Load fetches an archived export by reference and verifies its
// signature before returning it. The returned document carries the
// reference it was loaded from.
func (r *Reader) Load(ctx context.Context, ref string) (*integrity.SignedExport, error) {
	if r.keys == nil {
		return nil, fmt.Errorf("verification keys not configured (fail-closed)")
	}

	data, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	var export integrity.SignedExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to decode archived export %s: %w", ref, err)
	}

	ok, err := integrity.VerifyExport(r.keys, &export)
	if err != nil {
		return nil, fmt.Errorf("failed to verify archived export %s: %w", ref, err)
	}
	if !ok {
		return nil, fmt.Errorf("archived export %s failed signature verification", ref)
	}

	export.ArchiveRef = ref
	return &export, nil
}
