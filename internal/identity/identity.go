// Package identity implements the signed-nonce handshake material: the
// canonical auth string, Ed25519 signature verification over it, and the
// derivation of a stable agent identity from a client public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// NonceBytes is the entropy of a challenge nonce before base64 encoding.
const NonceBytes = 24

var (
	ErrBadPublicKey = errors.New("public key is not an Ed25519 SPKI DER key")
	ErrBadSignature = errors.New("ed25519 signature verification failed")
)

// NewNonce returns a fresh base64-encoded challenge nonce.
func NewNonce() (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// CanonicalAuthString builds the exact byte string both sides sign. Any
// change here is a protocol break.
func CanonicalAuthString(proto int, nonce, agentName, pubDerB64 string) string {
	return fmt.Sprintf("SYNAPSE_AUTH_V1|v=%d|nonce=%s|agent=%s|pub=%s", proto, nonce, agentName, pubDerB64)
}

// AgentIDFromPublicKey derives the stable agent identity from the base64 of
// the DER-encoded public key. The same key always yields the same id, across
// sessions and restarts.
func AgentIDFromPublicKey(pubDerB64 string) string {
	sum := sha256.Sum256([]byte(pubDerB64))
	return "agent_" + hex.EncodeToString(sum[:])
}

// ParsePublicKey decodes a base64 SPKI DER blob into an Ed25519 public key.
func ParsePublicKey(pubDerB64 string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(pubDerB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadPublicKey
	}
	return pub, nil
}

// VerifyAuth checks a detached base64 signature over the canonical auth
// string against the supplied public key.
func VerifyAuth(proto int, nonce, agentName, pubDerB64, sigB64 string) error {
	pub, err := ParsePublicKey(pubDerB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	msg := []byte(CanonicalAuthString(proto, nonce, agentName, pubDerB64))
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodePublicKey marshals an Ed25519 public key to base64 SPKI DER. Client
// side of ParsePublicKey; used by agents and tests.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// SignAuth produces the detached base64 signature a client sends in its auth
// reply.
func SignAuth(priv ed25519.PrivateKey, proto int, nonce, agentName, pubDerB64 string) string {
	msg := []byte(CanonicalAuthString(proto, nonce, agentName, pubDerB64))
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}
