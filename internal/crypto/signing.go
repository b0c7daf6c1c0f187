// Package crypto holds the ed25519 keys used to sign archive bundles and to
// check submission acknowledgements from the external ledger signer.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Signer struct {
	Private ed25519.PrivateKey
	KeyID   string
}

// Verifier checks signatures made by a single known key.
type Verifier struct {
	Public ed25519.PublicKey
	KeyID  string
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{Private: priv, KeyID: KeyID(priv.Public().(ed25519.PublicKey))}
}

// LoadSigner reads a private key from a file or takes it inline. PKCS#8 PEM,
// a base64 seed and a base64 full private key are accepted.
func LoadSigner(pathOrKey string) (*Signer, error) {
	material, err := keyMaterial(pathOrKey, "private")
	if err != nil {
		return nil, err
	}
	priv, err := parsePrivateKey(material)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv), nil
}

// LoadVerifier reads a public key from a file or takes it inline, PEM or
// base64 encoded.
func LoadVerifier(pathOrKey string) (*Verifier, error) {
	material, err := keyMaterial(pathOrKey, "public")
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(material)
	if err != nil {
		return nil, err
	}
	return &Verifier{Public: pub, KeyID: KeyID(pub)}, nil
}

func (s *Signer) Sign(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(s.Private, payload))
}

func (s *Signer) Verifier() *Verifier {
	pub := s.Private.Public().(ed25519.PublicKey)
	return &Verifier{Public: pub, KeyID: s.KeyID}
}

// Verify reports whether signature is the unpadded base64url ed25519
// signature of payload.
func (v *Verifier) Verify(payload []byte, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(v.Public, payload, sig)
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	der, isPEM, err := decodeKey(encoded, "public")
	if err != nil {
		return nil, err
	}
	if isPEM {
		parsed, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse public key pem: %w", err)
		}
		pk, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not ed25519")
		}
		return pk, nil
	}
	if len(der) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d invalid", len(der))
	}
	return ed25519.PublicKey(der), nil
}

// KeyID is a short stable identifier for a public key.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(h[:8])
}

func parsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, isPEM, err := decodeKey(encoded, "private")
	if err != nil {
		return nil, err
	}
	if isPEM {
		parsed, err := x509.ParsePKCS8PrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		pk, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not ed25519")
		}
		return pk, nil
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key length %d invalid", len(raw))
	}
}

// keyMaterial returns the file contents when pathOrKey names a file and the
// value itself otherwise.
func keyMaterial(pathOrKey, kind string) (string, error) {
	raw := strings.TrimSpace(pathOrKey)
	if raw == "" {
		return "", fmt.Errorf("%s key is required", kind)
	}
	if _, err := os.Stat(raw); err != nil {
		return raw, nil
	}
	buf, err := os.ReadFile(raw)
	if err != nil {
		return "", fmt.Errorf("read %s key: %w", kind, err)
	}
	return string(buf), nil
}

// decodeKey unwraps a PEM block or any of the four base64 alphabets.
func decodeKey(encoded, kind string) ([]byte, bool, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, false, fmt.Errorf("invalid %s key pem", kind)
		}
		return block.Bytes, true, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, false, nil
		}
	}
	return nil, false, fmt.Errorf("%s key is not valid base64", kind)
}
