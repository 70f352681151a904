package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/auth"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "api_key"

// Security authenticates client requests by API key. Keys are stored as
// peppered HMAC-SHA256 hashes.
type Security struct {
	keys   auth.Repository
	pepper []byte
}

// NewSecurity creates a Security backed by keys.
func NewSecurity(keys auth.Repository, pepper []byte) *Security {
	return &Security{keys: keys, pepper: pepper}
}

// Require rejects requests without a valid key granted scope: 401 for
// missing or unknown keys, 403 for keys lacking the scope.
func (s *Security) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				writeFailure(w, http.StatusUnauthorized, "missing api key")
				return
			}

			info, err := s.authenticate(r, key)
			switch {
			case errors.Is(err, auth.ErrNotFound):
				writeFailure(w, http.StatusUnauthorized, "unauthorized")
				return
			case err != nil:
				zctx.From(r.Context()).Error("Authenticate api key", zap.Error(err))
				writeFailure(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			case !info.Allows(scope):
				writeFailure(w, http.StatusForbidden, "api key lacks scope "+scope)
				return
			}

			lg := zctx.From(r.Context()).With(zap.String("api_key", info.Name))
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}

func (s *Security) authenticate(r *http.Request, key string) (*auth.APIKeyInfo, error) {
	hash := auth.HashKey(key, s.pepper)
	info, err := s.keys.FindByHash(r.Context(), hash)
	if err != nil {
		return nil, err
	}

	// The lookup matched on the hash already; compare again in constant
	// time so a repository returning the wrong row cannot authenticate.
	want, _ := hex.DecodeString(hash)
	got, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(want, got) != 1 {
		return nil, auth.ErrNotFound
	}
	return info, nil
}
