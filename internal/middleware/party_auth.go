package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Party roles as issued by the external identity service.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

// Party identifies the authenticated caller. Identity verification lives in
// the external identity collaborator; the engine only consumes its token.
type Party struct {
	ID   uuid.UUID
	Role string
}

type contextKey string

const ctxPartyKey contextKey = "party"

// PartyAuth verifies the HS256 bearer token issued by the identity service
// and puts the party into request context. Tokens carry the party id in "sub"
// and a "role" claim.
func PartyAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			party, err := parsePartyToken(raw, secret)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParty(r.Context(), party)))
		})
	}
}

// PartyFromCtx returns the authenticated party or nil.
func PartyFromCtx(ctx context.Context) *Party {
	p, _ := ctx.Value(ctxPartyKey).(*Party)
	return p
}

// WithParty returns a context carrying the given party.
func WithParty(ctx context.Context, p *Party) context.Context {
	return context.WithValue(ctx, ctxPartyKey, p)
}

func parsePartyToken(raw string, secret []byte) (*Party, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("subject is not a uuid: %w", err)
	}
	role, _ := claims["role"].(string)
	if role != RoleClient && role != RoleFreelancer {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return &Party{ID: id, Role: role}, nil
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
