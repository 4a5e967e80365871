package stamper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

// WebAuthnHeader carries passkey stamps.
const WebAuthnHeader = "X-Stamp-WebAuthn"

// WebAuthnStampPayload is the value of a passkey stamp header.
type WebAuthnStampPayload struct {
	CredentialID      protocol.URLEncodedBase64 `json:"credentialId"`
	ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJson"`
	AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
	Signature         protocol.URLEncodedBase64 `json:"signature"`
}

// WebAuthnStamper stamps requests with an assertion from the ambient
// platform authenticator. Every stamp may prompt the user.
type WebAuthnStamper struct {
	Authenticator interfaces.Authenticator
	RPID          string

	// AllowCredentials restricts which passkeys may answer. Empty lets the
	// authenticator pick any passkey for RPID.
	AllowCredentials [][]byte

	Timeout time.Duration
}

// Stamp requests an assertion over SHA-256(body).
func (s *WebAuthnStamper) Stamp(ctx context.Context, body []byte) (*interfaces.Stamp, error) {
	if s.Authenticator == nil {
		return nil, signerr.New(signerr.KindStampingFailure, "no authenticator configured")
	}

	challenge := sha256.Sum256(body)
	opts := &protocol.PublicKeyCredentialRequestOptions{
		Challenge:        challenge[:],
		RelyingPartyID:   s.RPID,
		UserVerification: protocol.VerificationPreferred,
	}
	if s.Timeout > 0 {
		opts.Timeout = int(s.Timeout.Milliseconds())
	}
	for _, id := range s.AllowCredentials {
		opts.AllowedCredentials = append(opts.AllowedCredentials, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
		})
	}

	assertion, err := s.Authenticator.GetAssertion(ctx, opts)
	if err != nil {
		msg := "authenticator could not produce an assertion"
		switch {
		case errors.Is(err, interfaces.ErrNoCredential):
			msg = "no passkey registered for " + s.RPID
		case errors.Is(err, interfaces.ErrCeremonyAborted):
			msg = "user or device aborted the assertion"
		}
		return nil, signerr.Wrap(err, signerr.KindStampingFailure, msg)
	}

	payload, err := json.Marshal(WebAuthnStampPayload{
		CredentialID:      assertion.CredentialID,
		ClientDataJSON:    assertion.ClientDataJSON,
		AuthenticatorData: assertion.AuthenticatorData,
		Signature:         assertion.Signature,
	})
	if err != nil {
		return nil, signerr.Wrap(err, signerr.KindStampingFailure, "failed to encode stamp")
	}

	return &interfaces.Stamp{Header: WebAuthnHeader, Value: string(payload)}, nil
}

// CredentialKeyLookup returns the COSE public key registered for a
// credential id.
type CredentialKeyLookup func(credentialID []byte) ([]byte, error)

// VerifiedStamp identifies the passkey behind a valid stamp.
type VerifiedStamp struct {
	CredentialID []byte
	// SignCount is the authenticator's signature counter. Callers that keep
	// the last seen value can reject replayed stamps.
	SignCount uint32
}

// VerifyWebAuthnStamp checks a passkey stamp over body for relying party
// rpID.
func VerifyWebAuthnStamp(body []byte, value string, rpID string, lookup CredentialKeyLookup) (*VerifiedStamp, error) {
	var payload WebAuthnStampPayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return nil, fmt.Errorf("invalid stamp payload: %w", err)
	}

	var clientData protocol.CollectedClientData
	if err := json.Unmarshal(payload.ClientDataJSON, &clientData); err != nil {
		return nil, fmt.Errorf("invalid client data: %w", err)
	}
	if clientData.Type != protocol.AssertCeremony {
		return nil, fmt.Errorf("unexpected client data type %q", clientData.Type)
	}
	digest := sha256.Sum256(body)
	if clientData.Challenge != base64.RawURLEncoding.EncodeToString(digest[:]) {
		return nil, errors.New("stamp was made for a different request body")
	}

	var authData protocol.AuthenticatorData
	if err := authData.Unmarshal(payload.AuthenticatorData); err != nil {
		return nil, fmt.Errorf("invalid authenticator data: %w", err)
	}
	rpIDHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(authData.RPIDHash, rpIDHash[:]) {
		return nil, errors.New("stamp was made for a different relying party")
	}
	if !authData.Flags.UserPresent() {
		return nil, errors.New("stamp was made without user presence")
	}

	coseKey, err := lookup(payload.CredentialID)
	if err != nil {
		return nil, err
	}
	publicKey, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credential key: %w", err)
	}

	clientDataHash := sha256.Sum256(payload.ClientDataJSON)
	signed := append(bytes.Clone(payload.AuthenticatorData), clientDataHash[:]...)
	ok, err := webauthncose.VerifySignature(publicKey, signed, payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("could not verify stamp signature: %w", err)
	}
	if !ok {
		return nil, errors.New("stamp signature does not match")
	}
	return &VerifiedStamp{CredentialID: payload.CredentialID, SignCount: authData.Counter}, nil
}
