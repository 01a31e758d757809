package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rye-run/rye/pkg/models"
)

var (
	// ErrNotCovered indicates none of the requested patterns are covered by
	// the parent token.
	ErrNotCovered = errors.New("no requested pattern covered by parent token")

	// ErrEmptyPatterns indicates a token would carry no patterns. An empty
	// set denies everything, so minting one is a misconfiguration.
	ErrEmptyPatterns = errors.New("capability token requires at least one pattern")

	// ErrInvalidToken indicates signature, expiry or claim validation failed.
	ErrInvalidToken = errors.New("invalid capability token")

	// ErrRiskNotAcknowledged indicates an elevated or unrestricted pattern
	// lacks the required risk acknowledgment in the directive.
	ErrRiskNotAcknowledged = errors.New("risk acknowledgment required")
)

// Token is a verified capability credential. The raw serialized form is an
// EdDSA-signed JWT whose private claims carry the pattern set and risk tier.
type Token struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	ThreadID  string          `json:"thread_id"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Patterns  []string        `json:"patterns"`
	Risk      models.RiskTier `json:"risk"`

	// Raw is the signed serialization handed to child processes.
	Raw string `json:"-"`
}

// Check reports whether the token allows the given canonical action string.
// A nil token or empty pattern set denies (fail closed).
func (t *Token) Check(action string) bool {
	if t == nil {
		return false
	}
	return CheckSet(t.Patterns, action)
}

type tokenClaims struct {
	Patterns []string `json:"patterns"`
	Risk     string   `json:"risk"`
	jwt.RegisteredClaims
}

// Keyring holds the Ed25519 signing keypair for tokens and item integrity.
// The seed persists under <dir>/signing.key with owner-only permissions.
type Keyring struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	// TokenTTL bounds minted token lifetime. Default one hour.
	TokenTTL time.Duration
}

const defaultTokenTTL = time.Hour

// LoadOrCreateKeyring loads the signing seed from dir, generating and
// persisting a fresh keypair when none exists.
func LoadOrCreateKeyring(dir string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create capability dir: %w", err)
	}
	path := filepath.Join(dir, "signing.key")

	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt signing key at %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Keyring{priv: priv, pub: priv.Public().(ed25519.PublicKey), TokenTTL: defaultTokenTTL}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return &Keyring{priv: priv, pub: pub, TokenTTL: defaultTokenTTL}, nil
}

// NewEphemeralKeyring generates a keypair without persisting it. Used by
// tests and one-shot runs.
func NewEphemeralKeyring() (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keyring{priv: priv, pub: pub, TokenTTL: defaultTokenTTL}, nil
}

// Public returns the verification key.
func (k *Keyring) Public() ed25519.PublicKey { return k.pub }

// Fingerprint returns a short identifier for the verification key.
func (k *Keyring) Fingerprint() string {
	sum := sha256.Sum256(k.pub)
	return hex.EncodeToString(sum[:8])
}

// Sign signs arbitrary content (used for item integrity headers and graph
// artifacts, not for tokens).
func (k *Keyring) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// VerifySig verifies a detached signature produced by Sign.
func (k *Keyring) VerifySig(data, sig []byte) bool {
	return ed25519.Verify(k.pub, data, sig)
}

// MintRoot issues a token with no parent. The pattern set must be non-empty:
// an empty-capability root thread is rejected before the first dispatch.
func (k *Keyring) MintRoot(patterns []string, threadID string) (*Token, error) {
	if len(patterns) == 0 {
		return nil, ErrEmptyPatterns
	}
	return k.sign(patterns, "", threadID)
}

// Mint issues a child token holding parent ∩ requested. Requested patterns
// not covered by the parent are dropped and reported; minting fails only
// when nothing survives the intersection, so a child asking for more than
// its parent still runs with what it is entitled to.
func (k *Keyring) Mint(parent *Token, requested []string, threadID string) (*Token, []string, error) {
	if parent == nil {
		tok, err := k.MintRoot(requested, threadID)
		return tok, nil, err
	}
	kept, dropped := Intersect(parent.Patterns, requested)
	if len(kept) == 0 {
		return nil, dropped, ErrNotCovered
	}
	tok, err := k.sign(kept, parent.ID, threadID)
	return tok, dropped, err
}

func (k *Keyring) sign(patterns []string, parentID, threadID string) (*Token, error) {
	ttl := k.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	tok := &Token{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		ThreadID:  threadID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Patterns:  patterns,
		Risk:      MaxRisk(patterns),
	}

	claims := tokenClaims{
		Patterns: patterns,
		Risk:     string(tok.Risk),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.ID,
			Issuer:    parentID,
			Subject:   threadID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(k.priv)
	if err != nil {
		return nil, fmt.Errorf("sign capability token: %w", err)
	}
	tok.Raw = raw
	return tok, nil
}

// Verify parses a serialized token, checking signature, expiry and claims.
func (k *Keyring) Verify(raw string) (*Token, error) {
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return k.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if len(claims.Patterns) == 0 {
		return nil, ErrEmptyPatterns
	}
	tok := &Token{
		ID:       claims.ID,
		ParentID: claims.Issuer,
		ThreadID: claims.Subject,
		Patterns: claims.Patterns,
		Risk:     models.RiskTier(claims.Risk),
		Raw:      raw,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// VerifyRiskAcks checks a pattern set against a directive's declared risk
// acknowledgments. Elevated patterns hard-fail without a matching
// acknowledgment; unrestricted patterns are always blocked without one.
func VerifyRiskAcks(patterns []string, acks map[models.RiskTier]string) error {
	for _, p := range patterns {
		switch RiskOf(p) {
		case models.RiskElevated:
			if _, ok := acks[models.RiskElevated]; !ok {
				return fmt.Errorf("%w: pattern %q is elevated", ErrRiskNotAcknowledged, p)
			}
		case models.RiskUnrestricted:
			if _, ok := acks[models.RiskUnrestricted]; !ok {
				return fmt.Errorf("%w: pattern %q is unrestricted", ErrRiskNotAcknowledged, p)
			}
		}
	}
	return nil
}
