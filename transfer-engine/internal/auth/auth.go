package auth

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultWriteScope = "transfers:write"

var validMethods = []string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

type Config struct {
	// HMACSecret verifies HS256 tokens.
	HMACSecret string
	// PublicKeysFile holds PEM public keys or certificates for RS/ES tokens.
	PublicKeysFile string
	WriteScope     string
	// DevAllowLocal trusts X-Local-Dev-Principal. Never enable in production.
	DevAllowLocal bool
}

// Verifier checks bearer tokens on mutating requests.
type Verifier struct {
	cfg        Config
	publicKeys []interface{}
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.WriteScope == "" {
		cfg.WriteScope = DefaultWriteScope
	}
	v := &Verifier{cfg: cfg}
	if cfg.PublicKeysFile != "" {
		if err := v.loadKeys(cfg.PublicKeysFile); err != nil {
			return nil, fmt.Errorf("failed to load public keys: %w", err)
		}
	}
	return v, nil
}

// Enabled reports whether any verification key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && (v.cfg.HMACSecret != "" || len(v.publicKeys) > 0 || v.cfg.DevAllowLocal)
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid keys found in %s", path)
	}
	v.publicKeys = keys
	return nil
}

type principalKey struct{}

// Principal returns the verified subject stored on ctx by Middleware.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// VerifyRequest returns the principal of an authorized request.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	if v.cfg.DevAllowLocal {
		if p := r.Header.Get("X-Local-Dev-Principal"); p != "" {
			return p, nil
		}
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("authentication required: bearer token")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (string, error) {
	keys := v.publicKeys
	if v.cfg.HMACSecret != "" {
		keys = append([]interface{}{[]byte(v.cfg.HMACSecret)}, keys...)
	}
	if len(keys) == 0 {
		return "", errors.New("no verification keys configured")
	}

	// No kid indexing, so each configured key is tried in turn.
	var token *jwt.Token
	var err error
	for _, key := range keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods(validMethods))
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if scope, ok := claims["scope"].(string); ok {
		if !containsScope(strings.Fields(scope), v.cfg.WriteScope) {
			return "", errors.New("missing required scope")
		}
	} else if roles, ok := claims["roles"].([]interface{}); ok {
		found := false
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.cfg.WriteScope {
				found = true
				break
			}
		}
		if !found {
			return "", errors.New("missing required scope in roles")
		}
	} else {
		return "", errors.New("missing scope/roles")
	}

	sub, _ := claims.GetSubject()
	return sub, nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// Middleware rejects unauthorized requests with 401 and stores the
// principal on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := v.VerifyRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}
