/**
 * @description
 * This file contains custom middleware for the HTTP router. The auth middleware
 * validates bearer JWTs and puts the resolved caller (user id and role) on the
 * request context for the handlers.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 * - github.com/google/uuid: Subject claims are user UUIDs.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/pkg/logging"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "caller"

// AuthConfig selects how bearer tokens are verified. HS256 tokens are checked
// against JWTSecret and RS256 tokens against the keys published at JWKSURL.
type AuthConfig struct {
	JWTSecret string
	JWKSURL   string
	Audience  string
	Issuer    string
}

// AuthMiddleware creates a middleware that validates bearer JWTs.
func AuthMiddleware(cfg AuthConfig, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	var keys *jwksCache
	if cfg.JWKSURL != "" {
		keys = newJWKSCache(cfg.JWKSURL, 10*time.Minute)
	}

	var opts []jwt.ParserOption
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if cfg.JWTSecret == "" {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return []byte(cfg.JWTSecret), nil
		case *jwt.SigningMethodRSA:
			if keys == nil {
				return nil, errors.New("rsa tokens are not accepted")
			}
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("kid not found in token header")
			}
			return keys.key(kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required", Code: "Unauthorized"})
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid Authorization header format", Code: "Unauthorized"})
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				logger.WithField("component", "auth").WithError(err).Debug("rejected bearer token")
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token", Code: "Unauthorized"})
				return
			}

			caller, err := callerFromClaims(claims)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "Unauthorized"})
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFromClaims(claims jwt.MapClaims) (domain.Caller, error) {
	// Get the user ID from the 'sub' claim (standard JWT claim for subject)
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Caller{}, errors.New("user id not found in token")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return domain.Caller{}, errors.New("user id in token is not a valid uuid")
	}
	role, _ := claims["role"].(string)
	return domain.Caller{UserID: userID, Role: domain.ParseRole(role)}, nil
}

// CallerFromContext retrieves the authenticated caller from the request context.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(domain.Caller)
	return caller, ok
}

// WithCaller returns a context carrying the caller.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// jwksCache holds the issuer's signing keys and refetches them when a kid is
// unknown or the cached set is stale.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	keys, err := fetchJWKS(c.client, c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func fetchJWKS(client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, err
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
