// jwks-server issues RS256 tokens carrying a tenant_id claim for local use
// against the jobs API, and publishes the verifying key.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/logging"
)

const (
	keyID      = "harborjobs-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 or PKCS8 PEM key, or generates one when pemKey is
// empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rk, nil
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Get("/public-key.pem", s.publicKeyPEM)
	r.Post("/token", s.token)
	return r
}

func (s *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string][]jwk{"keys": {{
		Kty: "RSA", Use: "sig", Alg: "RS256", Kid: keyID,
		N: base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

// publicKeyPEM serves the key in the form JWT_PUBLIC_KEY expects.
func (s *issuer) publicKeyPEM(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		http.Error(w, "failed to encode key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (s *issuer) token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		TTL      int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = min(time.Duration(req.TTL)*time.Second, maxTTL)
	}

	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       s.issuer,
		"aud":       s.audience,
		"sub":       req.TenantID,
		"tenant_id": req.TenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = keyID
	signed, err := tok.SignedString(s.key)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_in": int(ttl / time.Second),
		"token_type": "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()
	log := logging.New("harborjobs-jwks")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("load signing key")
	}
	s := &issuer{key: key, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	log.Plain().WithFields(map[string]any{"port": port, "issuer": s.issuer, "audience": s.audience}).Info("jwks server starting")
	if err := http.ListenAndServe(":"+port, s.routes()); err != nil {
		log.Plain().WithError(err).Fatal("server failed")
	}
}
