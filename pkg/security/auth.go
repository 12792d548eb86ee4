package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"photo-processor/internal/models"
)

const (
	userContextKey     = "user"
	identityContextKey = "identity"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated subject of a request.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver validates a bearer token.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// UserEnsurer mirrors an identity into the local users table.
type UserEnsurer interface {
	EnsureByExternalID(ctx context.Context, externalID string, email *string) (*models.User, error)
}

// Claims covers the role carriers of the common providers: a flat roles
// claim, Keycloak's realm_access and space separated OAuth scopes.
type Claims struct {
	Azp         string       `json:"azp"`
	Email       string       `json:"email"`
	Roles       []string     `json:"roles,omitempty"`
	Scope       string       `json:"scope,omitempty"`
	RealmAccess *RealmAccess `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

type RealmAccess struct {
	Roles []string `json:"roles"`
}

type JWKSOptions struct {
	URL      string
	Issuer   string
	Audience string
}

// JWKSResolver checks RS256/ES256 tokens against a refreshing JWKS.
type JWKSResolver struct {
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	opts   JWKSOptions
}

func NewJWKSResolver(opts JWKSOptions, log zerolog.Logger) (*JWKSResolver, error) {
	jwks, err := keyfunc.Get(opts.URL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshTimeout:   10 * time.Second,
		RefreshRateLimit: time.Minute * 5,
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Msg("failed to refresh JWKS")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client: %w", err)
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "ES256"}), jwt.WithExpirationRequired()}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	return &JWKSResolver{jwks: jwks, parser: jwt.NewParser(parserOpts...), opts: opts}, nil
}

func (r *JWKSResolver) Resolve(_ context.Context, tokenString string) (*Identity, error) {
	claims := &Claims{}
	if _, err := r.parser.ParseWithClaims(tokenString, claims, r.jwks.Keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !audienceMatches(claims, r.opts.Audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	return identityFrom(claims)
}

func (r *JWKSResolver) Close() {
	r.jwks.EndBackground()
}

// HMACResolver checks HS256 tokens signed with a shared secret.
type HMACResolver struct {
	secret []byte
	parser *jwt.Parser
}

func NewHMACResolver(secret, issuer string) *HMACResolver {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &HMACResolver{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (r *HMACResolver) Resolve(_ context.Context, tokenString string) (*Identity, error) {
	claims := &Claims{}
	_, err := r.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFrom(claims)
}

// audienceMatches accepts either an aud entry or the azp claim, since OIDC
// providers differ on which one carries the client.
func audienceMatches(claims *Claims, audience string) bool {
	if audience == "" || claims.Azp == audience {
		return true
	}
	for _, aud := range claims.Audience {
		if aud == audience {
			return true
		}
	}
	return false
}

func identityFrom(claims *Claims) (*Identity, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email, Roles: rolesFrom(claims)}, nil
}

func rolesFrom(claims *Claims) []string {
	all := append([]string(nil), claims.Roles...)
	if claims.RealmAccess != nil {
		all = append(all, claims.RealmAccess.Roles...)
	}
	all = append(all, strings.Fields(claims.Scope)...)

	seen := make(map[string]struct{}, len(all))
	roles := make([]string, 0, len(all))
	for _, r := range all {
		if _, dup := seen[r]; dup || r == "" {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return roles
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the local user in the gin context.
func AuthMiddleware(resolver Resolver, users UserEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		identity, err := resolver.Resolve(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		var email *string
		if identity.Email != "" {
			email = &identity.Email
		}
		user, err := users.EnsureByExternalID(c.Request.Context(), identity.Subject, email)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}

		c.Set(userContextKey, user)
		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// RequireRole admits identities carrying role and answers everyone else with
// the same 404 a missing resource gets. An empty role admits every caller
// that passed AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role == "" {
			c.Next()
			return
		}
		identity, ok := CurrentIdentity(c)
		if !ok || !identity.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		c.Next()
	}
}

func CurrentIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*Identity)
	return identity, ok
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}

var (
	_ Resolver = (*JWKSResolver)(nil)
	_ Resolver = (*HMACResolver)(nil)
)
