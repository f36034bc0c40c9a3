package integrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// Signer signs payloads with a private key held by the local identity.
type Signer interface {
	Algorithm() string
	Sign(payload []byte) ([]byte, error)
	// PublicKey returns the encoded public key, "<alg>:<base64>".
	PublicKey() string
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// Ed25519Signer signs sha256(payload) with an ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// GenerateEd25519Signer creates a signer with a fresh key.
func GenerateEd25519Signer(r io.Reader) (*Ed25519Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgEd25519 }

func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	digest, _ := digestFor("sha256", payload)
	return ed25519.Sign(s.priv, digest), nil
}

func (s *Ed25519Signer) PublicKey() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return AlgEd25519 + ":" + base64.StdEncoding.EncodeToString(pub)
}

// PrivateKey returns the raw key for export.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Dilithium3Signer signs hash(payload) with a post-quantum dilithium3 key.
type Dilithium3Signer struct {
	pub     *mode3.PublicKey
	priv    *mode3.PrivateKey
	hashAlg string
}

// GenerateDilithium3Signer creates a signer with a fresh keypair. hashAlg
// must be one of sha256, sha512, sha3-256.
func GenerateDilithium3Signer(r io.Reader, hashAlg string) (*Dilithium3Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	if _, err := digestFor(hashAlg, nil); err != nil {
		return nil, err
	}
	pub, priv, err := mode3.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dilithium3 key: %w", err)
	}
	return &Dilithium3Signer{pub: pub, priv: priv, hashAlg: hashAlg}, nil
}

func (s *Dilithium3Signer) Algorithm() string { return AlgDilithium3 }

func (s *Dilithium3Signer) Sign(payload []byte) ([]byte, error) {
	digest, err := digestFor(s.hashAlg, payload)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return sig, nil
}

func (s *Dilithium3Signer) PublicKey() string {
	raw, err := s.pub.MarshalBinary()
	if err != nil {
		return ""
	}
	// the digest algorithm travels with the key so verifiers can reproduce it
	return AlgDilithium3 + ":" + s.hashAlg + ":" + base64.StdEncoding.EncodeToString(raw)
}

// Verify checks sig over payload against an encoded public key produced by
// a Signer. Unknown or malformed keys never verify.
func Verify(payload, sig []byte, publicKey string) bool {
	alg, rest, ok := strings.Cut(publicKey, ":")
	if !ok {
		return false
	}

	switch alg {
	case AlgEd25519:
		pub, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		digest, _ := digestFor("sha256", payload)
		return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)

	case AlgDilithium3:
		hashAlg, enc, ok := strings.Cut(rest, ":")
		if !ok {
			return false
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil || len(sig) != mode3.SignatureSize {
			return false
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return false
		}
		digest, err := digestFor(hashAlg, payload)
		if err != nil {
			return false
		}
		return mode3.Verify(&pk, digest, sig)

	default:
		return false
	}
}
