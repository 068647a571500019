package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/agency-queue/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "agency-queue"

type Claims struct {
	AgentID  string `json:"agent_id"`
	AgencyID string `json:"agency_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 agent tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *TokenIssuer {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: now}
}

func (i *TokenIssuer) Issue(agent models.Agent) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &Claims{
		AgentID:  agent.AgentID,
		AgencyID: agent.AgencyID,
		Role:     agent.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.AgentID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.AgentID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type authContextKey struct{}

// AuthMiddleware requires a valid bearer token on agent and admin routes.
// Admin routes additionally require the admin role.
func AuthMiddleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := issuer.Parse(token)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/admin/") && claims.Role != models.RoleAdmin {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "admin role required")
			return
		}
		if info := infoFromContext(r.Context()); info != nil {
			info.agentID = claims.AgentID
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(authContextKey{}).(*Claims)
	return claims, ok && claims != nil
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	return !strings.HasPrefix(r.URL.Path, "/api/agent/") && !strings.HasPrefix(r.URL.Path, "/api/admin/")
}
