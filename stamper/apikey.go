package stamper

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

const (
	// APIKeyHeader carries API key stamps.
	APIKeyHeader = "X-Stamp"

	// APIKeyScheme names the signature scheme of an API key stamp.
	APIKeyScheme = "SIGNATURE_SCHEME_TK_API_P256"
)

// APIKeyStampPayload is the decoded value of an API key stamp header.
type APIKeyStampPayload struct {
	PublicKey string `json:"publicKey"`
	Scheme    string `json:"scheme"`
	Signature string `json:"signature"`
}

// APIKeyStamper signs request bodies with a P-256 API key.
type APIKeyStamper struct {
	privateKey *ecdsa.PrivateKey
}

// NewAPIKeyStamper returns a stamper for a P-256 private key.
func NewAPIKeyStamper(privateKey *ecdsa.PrivateKey) (*APIKeyStamper, error) {
	if privateKey == nil || privateKey.Curve != elliptic.P256() {
		return nil, errors.New("api key must be a P-256 private key")
	}
	return &APIKeyStamper{privateKey: privateKey}, nil
}

// PublicKeyHex is the compressed public key the service knows the key by.
func (s *APIKeyStamper) PublicKeyHex() string {
	return hex.EncodeToString(elliptic.MarshalCompressed(elliptic.P256(), s.privateKey.X, s.privateKey.Y))
}

// Stamp signs the SHA-256 digest of body.
func (s *APIKeyStamper) Stamp(ctx context.Context, body []byte) (*interfaces.Stamp, error) {
	if err := ctx.Err(); err != nil {
		return nil, signerr.Wrap(err, signerr.KindStampingFailure, "stamping cancelled")
	}

	hash := sha256.Sum256(body)
	signature, err := ecdsa.SignASN1(rand.Reader, s.privateKey, hash[:])
	if err != nil {
		return nil, signerr.Wrap(err, signerr.KindStampingFailure, "failed to sign request")
	}

	payload, err := json.Marshal(APIKeyStampPayload{
		PublicKey: s.PublicKeyHex(),
		Scheme:    APIKeyScheme,
		Signature: hex.EncodeToString(signature),
	})
	if err != nil {
		return nil, signerr.Wrap(err, signerr.KindStampingFailure, "failed to encode stamp")
	}

	return &interfaces.Stamp{
		Header: APIKeyHeader,
		Value:  base64.RawURLEncoding.EncodeToString(payload),
	}, nil
}

// VerifyAPIKeyStamp checks an API key stamp over body and returns the
// compressed public key hex that produced it.
func VerifyAPIKeyStamp(body []byte, value string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("invalid stamp encoding: %w", err)
	}

	var payload APIKeyStampPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("invalid stamp payload: %w", err)
	}
	if payload.Scheme != APIKeyScheme {
		return "", fmt.Errorf("unsupported stamp scheme %q", payload.Scheme)
	}

	pubBytes, err := hex.DecodeString(payload.PublicKey)
	if err != nil {
		return "", fmt.Errorf("invalid stamp public key: %w", err)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pubBytes)
	if x == nil {
		return "", errors.New("invalid stamp public key point")
	}

	signature, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid stamp signature encoding: %w", err)
	}

	hash := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, hash[:], signature) {
		return "", errors.New("stamp signature does not match request body")
	}
	return payload.PublicKey, nil
}
