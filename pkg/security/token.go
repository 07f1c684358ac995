package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// AgentKeyEnv is the optional shared-secret header's backing env var.
const AgentKeyEnv = "SNOPS_AGENT_KEY"

// AgentClaims is the JWT payload minted on an agent's first connect,
// embedding (agent_id, nonce). jwt-go's MapClaims would work too, but a
// concrete struct keeps field names load-bearing and typo-proof.
type AgentClaims struct {
	AgentID string `json:"id"`
	Nonce   string `json:"nonce"`
	jwt.StandardClaims
}

// TokenIssuer mints and verifies agent bearer credentials with
// HMAC-SHA256, grounded on the teacher's TokenManager random-token pattern
// but producing a self-describing JWT instead of an opaque lookup key, since
// the credential must carry (agent_id, nonce) without a server-side table.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer builds an issuer from a deployment secret.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	return &TokenIssuer{secret: secret}, nil
}

// NewRandomNonce generates the random token embedded in an agent's
// credential and never rotated for that agent's lifetime.
func NewRandomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Mint issues a bearer token for agentID/nonce with no expiry: the spec binds
// a token to an agent for its registry lifetime, revoked only by deleting the
// agent.
func (ti *TokenIssuer) Mint(agentID, nonce string) (string, error) {
	claims := AgentClaims{
		AgentID: agentID,
		Nonce:   nonce,
		StandardClaims: jwt.StandardClaims{
			IssuedAt: time.Now().Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Verify parses and validates tok, returning the embedded claims. A missing,
// malformed, or unsigned token fails; nonce matching against the registry's
// record is the caller's job, refusing the connection on mismatch.
func (ti *TokenIssuer) Verify(tok string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.AgentID == "" || claims.Nonce == "" {
		return nil, fmt.Errorf("malformed claims: missing id or nonce")
	}
	return claims, nil
}

// SharedSecretFromEnv reads the optional SNOPS_AGENT_KEY shared secret
// header's expected value; an additional, optional check alongside JWT
// verification. Empty string means the check is disabled.
func SharedSecretFromEnv() string {
	return os.Getenv(AgentKeyEnv)
}
