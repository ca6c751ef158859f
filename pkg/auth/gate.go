// Package auth implements the identity gate. The control plane consumes an
// already-authenticated actor id from a trusted header and enforces that
// actor claims inside request bodies match it; it never authenticates
// credentials itself.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// HeaderActorID carries the authenticated actor id. The fronting proxy sets
// it after authentication and strips any client-supplied value.
const HeaderActorID = "x-flockmesh-actor-id"

var (
	// ErrMissingActor marks a request without an actor header and no
	// configured trusted default. Boundary maps it to 401.
	ErrMissingActor = errors.New("auth: missing actor header")

	// ErrInvalidActor marks a malformed actor id. Boundary maps it to 401.
	ErrInvalidActor = errors.New("auth: malformed actor id")

	// ErrActorClaimMismatch marks a body actor claim that names someone
	// other than the authenticated actor. Boundary maps it to 403 with
	// code auth.actor_claim_mismatch.
	ErrActorClaimMismatch = errors.New("auth: actor claim mismatch")
)

// Gate extracts the authenticated actor from requests.
type Gate struct {
	// TrustedDefaultActorID substitutes for a missing header. Compatibility
	// escape hatch for trusted internal callers; leave empty in production.
	TrustedDefaultActorID string
}

// FromRequest returns the authenticated actor id. The trusted default, when
// configured, stands in for a missing header but is validated the same way.
func (g *Gate) FromRequest(r *http.Request) (string, error) {
	actorID := r.Header.Get(HeaderActorID)
	if actorID == "" {
		if g.TrustedDefaultActorID == "" {
			return "", ErrMissingActor
		}
		actorID = g.TrustedDefaultActorID
	}
	if !contracts.ValidActorID(actorID) {
		return "", ErrInvalidActor
	}
	return actorID, nil
}

// RequireClaim verifies a body-supplied actor claim against the
// authenticated actor. An empty claim passes: the handler fills in the
// authenticated actor itself.
func RequireClaim(ctx context.Context, claimed string) error {
	if claimed == "" {
		return nil
	}
	actorID, err := GetActor(ctx)
	if err != nil {
		return err
	}
	if claimed != actorID {
		return ErrActorClaimMismatch
	}
	return nil
}
