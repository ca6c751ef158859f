package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// publicPaths are endpoints served without an authenticated actor.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Identity builds the actor-extraction middleware. Requests without a valid
// actor are rejected with 401 before any handler runs; everything else
// proceeds with the actor id on the request context.
func Identity(gate *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			actorID, err := gate.FromRequest(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actorID)))
		})
	}
}

// writeUnauthorized emits the boundary's plain {message} envelope. The
// middleware cannot use the api package's writers without an import cycle.
func writeUnauthorized(w http.ResponseWriter, err error) {
	message := "missing or invalid actor identity"
	switch {
	case errors.Is(err, ErrMissingActor):
		message = "missing " + HeaderActorID + " header"
	case errors.Is(err, ErrInvalidActor):
		message = "actor id must match (usr|svc|agt|sys)_ followed by 4-128 token characters"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
