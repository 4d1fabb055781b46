package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

type principalKey struct{}

// Principal returns the API key that authenticated the request.
func Principal(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(principalKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// SecurityHandler authenticates requests via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
	limiter *httpmiddleware.Limiter
}

// SecurityOption configures a SecurityHandler.
type SecurityOption func(*SecurityHandler)

// WithKeyRateLimit gives every authenticated API key its own request budget.
// Only verified keys reach l, so made-up keys cannot mint fresh buckets.
func WithKeyRateLimit(l *httpmiddleware.Limiter) SecurityOption {
	return func(s *SecurityHandler) {
		s.limiter = l
	}
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte, opts ...SecurityOption) *SecurityHandler {
	s := &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate resolves the API key of r to the key record and its user.
func (s *SecurityHandler) Authenticate(r *http.Request) (*auth.APIKeyInfo, bool) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, false
	}
	hexHash := auth.HashKey(key, s.pepper)

	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		zctx.From(r.Context()).Debug("API key lookup failed", zap.Error(err))
		return nil, false
	}

	// The stored hash must match what we computed even if the repository
	// returned a stale row.
	computed, _ := hex.DecodeString(hexHash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, false
	}
	if info.UserID == "" {
		return nil, false
	}
	return info, true
}

// Require rejects requests without a valid API key granting scope and passes
// the principal to next through the request context.
func (s *SecurityHandler) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := s.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing or invalid api key")
			return
		}
		if s.limiter != nil && !httpmiddleware.WriteDecision(w, s.limiter.Allow("key:"+info.ID)) {
			return
		}
		if !info.HasScope(scope) {
			writeError(w, http.StatusForbidden, kindForbidden, "api key is not allowed to "+scope)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, info)
		ctx = zctx.With(ctx, zap.String("user_id", info.UserID), zap.String("api_key_id", info.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
