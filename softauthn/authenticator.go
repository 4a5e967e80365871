// Package softauthn is a software WebAuthn platform authenticator. It keeps
// every ES256 passkey it creates in memory and produces "none" attestations
// and assertions exactly as a browser would hand them to a web page. The command line client uses it in place of a browser, and tests use
// it to exercise the full ceremony.
package softauthn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/ruteri/passkey-kms-client/interfaces"
)

// Authenticator data flags.
const (
	flagUserPresent      byte = 0x01
	flagUserVerified     byte = 0x04
	flagAttestedCredData byte = 0x40
)

const credentialIDLength = 32

// Credential is a passkey held by the authenticator.
type Credential struct {
	ID         []byte
	RPID       string
	UserHandle []byte
	UserName   string
	PrivateKey *ecdsa.PrivateKey
	SignCount  uint32
}

// Authenticator implements interfaces.Authenticator in software.
type Authenticator struct {
	// Origin is reported in client data, e.g. "https://wallet.example".
	Origin string

	// UserPresence is consulted before every operation. Returning an error
	// simulates the user dismissing the prompt.
	UserPresence func(ctx context.Context) error

	mu sync.Mutex
	// credentials in creation order.
	credentials []*Credential
}

// New returns an empty authenticator reporting origin in its client data.
func New(origin string) *Authenticator {
	return &Authenticator{Origin: origin}
}

// Credential returns the most recently created passkey for rpID, if any.
func (a *Authenticator) Credential(rpID string) (*Credential, bool) {
	creds := a.Credentials(rpID)
	if len(creds) == 0 {
		return nil, false
	}
	return creds[len(creds)-1], true
}

// Credentials returns every passkey for rpID, oldest first.
func (a *Authenticator) Credentials(rpID string) []*Credential {
	a.mu.Lock()
	defer a.mu.Unlock()

	var creds []*Credential
	for _, cred := range a.credentials {
		if cred.RPID == rpID {
			creds = append(creds, cred)
		}
	}
	return creds
}

// MakeCredential creates a new passkey for opts.RelyingParty.ID. Passkeys
// created earlier for the same relying party are kept.
func (a *Authenticator) MakeCredential(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*interfaces.AttestationBundle, error) {
	if err := a.confirm(ctx); err != nil {
		return nil, err
	}
	if !supportsES256(opts.Parameters) {
		return nil, errors.New("no supported public key algorithm requested")
	}

	rpID := opts.RelyingParty.ID
	userHandle, err := userHandleBytes(opts.User.ID)
	if err != nil {
		return nil, err
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate credential key: %w", err)
	}
	credentialID := make([]byte, credentialIDLength)
	if _, err := io.ReadFull(rand.Reader, credentialID); err != nil {
		return nil, fmt.Errorf("could not generate credential id: %w", err)
	}

	coseKey, err := COSEPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	authData := authenticatorData(rpID, flagUserPresent|flagUserVerified|flagAttestedCredData, 0)
	authData = append(authData, make([]byte, 16)...) // AAGUID
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(credentialID)))
	authData = append(authData, credentialID...)
	authData = append(authData, coseKey...)

	attestationObject, err := webauthncbor.Marshal(struct {
		Format   string         `cbor:"fmt"`
		AttStmt  map[string]any `cbor:"attStmt"`
		AuthData []byte         `cbor:"authData"`
	}{
		Format:   "none",
		AttStmt:  map[string]any{},
		AuthData: authData,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode attestation object: %w", err)
	}

	clientData, err := a.clientData(protocol.CreateCeremony, opts.Challenge)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.credentials = append(a.credentials, &Credential{
		ID:         credentialID,
		RPID:       rpID,
		UserHandle: userHandle,
		UserName:   opts.User.Name,
		PrivateKey: privateKey,
	})
	a.mu.Unlock()

	return &interfaces.AttestationBundle{
		CredentialID:      credentialID,
		ClientDataJSON:    clientData,
		AttestationObject: attestationObject,
		Transports:        []string{"internal"},
	}, nil
}

// GetAssertion signs opts.Challenge with a passkey for opts.RelyingPartyID.
// With an allow list the most recent allowed passkey answers, otherwise the
// most recent passkey for the relying party.
func (a *Authenticator) GetAssertion(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*interfaces.AssertionBundle, error) {
	if err := a.confirm(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var cred *Credential
	for i := len(a.credentials) - 1; i >= 0; i-- {
		candidate := a.credentials[i]
		if candidate.RPID == opts.RelyingPartyID && allowed(opts.AllowedCredentials, candidate.ID) {
			cred = candidate
			break
		}
	}
	if cred == nil {
		return nil, interfaces.ErrNoCredential
	}

	clientData, err := a.clientData(protocol.AssertCeremony, opts.Challenge)
	if err != nil {
		return nil, err
	}

	cred.SignCount++
	authData := authenticatorData(cred.RPID, flagUserPresent|flagUserVerified, cred.SignCount)

	clientDataHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(bytes.Clone(authData), clientDataHash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, cred.PrivateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("could not sign assertion: %w", err)
	}

	return &interfaces.AssertionBundle{
		CredentialID:      cred.ID,
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		Signature:         signature,
		UserHandle:        cred.UserHandle,
	}, nil
}

func (a *Authenticator) confirm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.UserPresence != nil {
		if err := a.UserPresence(ctx); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrCeremonyAborted, err)
		}
	}
	return nil
}

func (a *Authenticator) clientData(ceremony protocol.CeremonyType, challenge []byte) ([]byte, error) {
	clientData, err := json.Marshal(protocol.CollectedClientData{
		Type:      ceremony,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    a.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode client data: %w", err)
	}
	return clientData, nil
}

// COSEPublicKey encodes a P-256 public key as a COSE_Key map for ES256.
func COSEPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid credential key: %w", err)
	}
	// Uncompressed SEC1 point: 0x04 || X || Y.
	point := ecdhKey.Bytes()
	coseKey := map[int]any{
		1:  int64(webauthncose.EllipticKey),
		3:  int64(webauthncose.AlgES256),
		-1: int64(webauthncose.P256),
		-2: point[1:33],
		-3: point[33:65],
	}
	encoded, err := webauthncbor.Marshal(coseKey)
	if err != nil {
		return nil, fmt.Errorf("could not encode credential key: %w", err)
	}
	return encoded, nil
}

func authenticatorData(rpID string, flags byte, signCount uint32) []byte {
	rpIDHash := sha256.Sum256([]byte(rpID))
	data := make([]byte, 0, 37)
	data = append(data, rpIDHash[:]...)
	data = append(data, flags)
	return binary.BigEndian.AppendUint32(data, signCount)
}

func supportsES256(params []protocol.CredentialParameter) bool {
	for _, p := range params {
		if p.Type == protocol.PublicKeyCredentialType && p.Algorithm == webauthncose.AlgES256 {
			return true
		}
	}
	return false
}

func allowed(descriptors []protocol.CredentialDescriptor, id []byte) bool {
	if len(descriptors) == 0 {
		return true
	}
	for _, d := range descriptors {
		if bytes.Equal(d.CredentialID, id) {
			return true
		}
	}
	return false
}

func userHandleBytes(id any) ([]byte, error) {
	switch v := id.(type) {
	case protocol.URLEncodedBase64:
		return v, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported user handle type %T", id)
	}
}
