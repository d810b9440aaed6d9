// Package auth issues and verifies HMAC-signed bearer tokens. A token binds
// a subject (tenant wallet or node id) to a role with an expiry; the payload
// is JSON, the signature HMAC-SHA256 under the server secret.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/decloud/orchestrator/pkg/errdefs"
)

// Role scopes what a token may call.
type Role string

const (
	RoleUser     Role = "user"
	RoleNode     Role = "node"
	RoleOperator Role = "operator"
)

// Claims is the verified token content.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat"`
}

// Broker signs and verifies tokens.
type Broker struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewBroker(secret string, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Broker{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for the subject.
func (b *Broker) Issue(subject string, role Role) (string, error) {
	now := b.now()
	return b.mint(Claims{
		Subject:   subject,
		Role:      role,
		ExpiresAt: now.Add(b.ttl),
		IssuedAt:  now,
	})
}

// IssueAPIKey mints a non-expiring credential for the subject. API keys and
// bearer tokens share the wire format and the identity behind them; only the
// expiry differs.
func (b *Broker) IssueAPIKey(subject string, role Role) (string, error) {
	return b.mint(Claims{
		Subject:  subject,
		Role:     role,
		IssuedAt: b.now(),
	})
}

func (b *Broker) mint(claims Claims) (string, error) {
	if claims.Subject == "" {
		return "", errdefs.New(errdefs.KindInvalidInput, "token subject required")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "marshal claims")
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + b.sign(encoded), nil
}

// Verify checks signature and expiry and returns the claims.
func (b *Broker) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, errdefs.New(errdefs.KindUnauthorized, "malformed token")
	}
	if !hmac.Equal([]byte(b.sign(parts[0])), []byte(parts[1])) {
		return nil, errdefs.New(errdefs.KindUnauthorized, "invalid token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errdefs.New(errdefs.KindUnauthorized, "malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errdefs.New(errdefs.KindUnauthorized, "malformed token payload")
	}
	// API keys carry no expiry
	if !claims.ExpiresAt.IsZero() && b.now().After(claims.ExpiresAt) {
		return nil, errdefs.New(errdefs.KindUnauthorized, "token expired")
	}
	return &claims, nil
}

func (b *Broker) sign(encoded string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type contextKey struct{}

// WithClaims attaches verified claims to the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// FromContext returns the verified claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// Middleware rejects requests without a valid credential carrying one of the
// allowed roles. Credentials arrive as Authorization: Bearer tokens or as
// X-API-Key headers; both resolve to the same identity.
func (b *Broker) Middleware(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := credential(r)
			if token == "" {
				unauthorized(w, "missing credentials")
				return
			}
			claims, err := b.Verify(token)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			if len(allowed) > 0 && !allowed[claims.Role] {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// credential extracts the request's token from either auth scheme.
func credential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token := strings.TrimPrefix(header, "Bearer "); token != header {
			return token
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
