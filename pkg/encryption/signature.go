package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignaturePrefix precedes the hex digest in signature headers.
const SignaturePrefix = "sha256="

// Signer produces and checks HMAC-SHA256 signatures over payloads.
type Signer struct {
	signingKey []byte
}

// NewSigner creates a Signer for key. An empty key is rejected.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, errors.New("signing key is empty")
	}
	return &Signer{signingKey: []byte(key)}, nil
}

// SignPayload returns the signature of payload as "sha256=<hex digest>".
func (s *Signer) SignPayload(payload []byte) string {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	return SignaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyPayloadSignature checks signature against payload in constant time.
func (s *Signer) VerifyPayloadSignature(payload []byte, signature string) bool {
	digest, ok := strings.CutPrefix(signature, SignaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	return hmac.Equal(got, h.Sum(nil))
}
