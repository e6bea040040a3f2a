package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclemarket/internal/crypto"
)

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or a static key in the X-API-Key header.
// If apiKey is empty, every request is rejected: admin routes stay closed
// until a key is configured.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				writeJSONError(w, http.StatusForbidden, "admin api disabled")
				return
			}

			token := extractToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// Header names of the admin signature scheme.
const (
	HeaderAdminSignature = "X-Admin-Signature"
	HeaderAdminTimestamp = "X-Admin-Timestamp"
)

// AdminConfig configures AdminCaller.
type AdminConfig struct {
	Admin common.Address
	// RequireSignature demands an EIP-191 signature by Admin over
	// crypto.AdminMessage(method, path, timestamp).
	RequireSignature bool
	MaxSkew          time.Duration
	Now              func() time.Time
}

type callerKey struct{}

// CallerFrom returns the admin address AdminCaller attached to ctx.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// AdminCaller resolves who is calling an admin route. With RequireSignature
// the caller is recovered from the signature headers and must equal Admin;
// otherwise the API key holder acts as Admin.
func AdminCaller(cfg AdminConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := cfg.Admin
			if cfg.RequireSignature {
				recovered, status, msg := verifyAdminSignature(r, cfg)
				if status != 0 {
					writeJSONError(w, status, msg)
					return
				}
				if recovered != cfg.Admin {
					writeJSONError(w, http.StatusForbidden, "signer is not the administrator")
					return
				}
				caller = recovered
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyAdminSignature(r *http.Request, cfg AdminConfig) (common.Address, int, string) {
	sigHex := r.Header.Get(HeaderAdminSignature)
	tsRaw := r.Header.Get(HeaderAdminTimestamp)
	if sigHex == "" || tsRaw == "" {
		return common.Address{}, http.StatusUnauthorized, "missing admin signature"
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, "invalid admin timestamp"
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxSkew {
		return common.Address{}, http.StatusUnauthorized, "admin signature expired"
	}
	sig, err := crypto.DecodeSignature(sigHex)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, "malformed admin signature"
	}
	addr, err := crypto.RecoverSigner(crypto.AdminMessage(r.Method, r.URL.Path, ts), sig)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, "invalid admin signature"
	}
	return addr, 0, ""
}

// writeJSONError sends an error response with a JSON body.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
