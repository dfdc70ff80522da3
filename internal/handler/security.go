package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Headers set by the API gateway in front of the service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderRoles     = "X-User-Roles"
	HeaderEmail     = "X-User-Email"
	HeaderName      = "X-User-Name"
	HeaderSignature = "X-Gateway-Signature"
)

// Roles recognized by the service.
const (
	RoleAdmin    = "admin"
	RolePayments = "payments"
)

var errUnauthenticated = errors.New("unauthenticated")

// Identity is the caller as asserted by the gateway.
type Identity struct {
	UserID string
	Roles  []string
	Email  string
	Name   string
}

// Has reports whether the caller holds role.
func (id Identity) Has(role string) bool {
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Admin reports whether the caller holds the admin role.
func (id Identity) Admin() bool {
	return id.Has(RoleAdmin)
}

type identityKey struct{}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Sign returns the gateway signature of userID and the raw roles header.
func Sign(secret []byte, userID, roles string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(roles))
	return hex.EncodeToString(mac.Sum(nil))
}

// SecurityHandler authenticates gateway identity headers by their HMAC-SHA256
// signature. With an empty secret the headers are trusted as is.
type SecurityHandler struct {
	secret []byte
}

// NewSecurityHandler creates a SecurityHandler with the shared gateway
// secret.
func NewSecurityHandler(secret []byte) *SecurityHandler {
	return &SecurityHandler{secret: secret}
}

// Authenticate extracts and verifies the caller identity of r.
func (s *SecurityHandler) Authenticate(r *http.Request) (Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return Identity{}, errUnauthenticated
	}
	roles := r.Header.Get(HeaderRoles)

	if len(s.secret) > 0 {
		got, err := hex.DecodeString(r.Header.Get(HeaderSignature))
		if err != nil {
			return Identity{}, errUnauthenticated
		}
		want, _ := hex.DecodeString(Sign(s.secret, userID, roles))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			return Identity{}, errUnauthenticated
		}
	}

	id := Identity{
		UserID: userID,
		Email:  r.Header.Get(HeaderEmail),
		Name:   r.Header.Get(HeaderName),
	}
	for _, role := range strings.Split(roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id, nil
}

// Require rejects unauthenticated requests with 401 and, when roles are
// given, callers holding none of them with 403.
func (s *SecurityHandler) Require(next http.HandlerFunc, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Authenticate(r)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, problem{Message: "missing or invalid gateway identity"})
			return
		}
		if len(roles) > 0 && !hasAny(id, roles) {
			zctx.From(r.Context()).Info("Role check failed",
				zap.String("user_id", id.UserID),
				zap.Strings("required", roles),
			)
			writeProblem(w, http.StatusForbidden, problem{Message: "access denied"})
			return
		}
		ctx := zctx.With(context.WithValue(r.Context(), identityKey{}, id), zap.String("user_id", id.UserID))
		next(w, r.WithContext(ctx))
	})
}

func hasAny(id Identity, roles []string) bool {
	for _, role := range roles {
		if id.Has(role) {
			return true
		}
	}
	return false
}
