package interfaces

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
)

var (
	// ErrCeremonyAborted is returned by an Authenticator when the user or the
	// device dismissed the prompt.
	ErrCeremonyAborted = errors.New("authenticator ceremony aborted")

	// ErrNoCredential is returned by an Authenticator asked to assert with no
	// matching credential.
	ErrNoCredential = errors.New("no matching credential")
)

// AttestationBundle is what an authenticator returns from credential
// creation. The attestation object is passed through to the server as is.
type AttestationBundle struct {
	CredentialID      protocol.URLEncodedBase64 `json:"credentialId"`
	ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJson"`
	AttestationObject protocol.URLEncodedBase64 `json:"attestationObject"`
	Transports        []string                  `json:"transports,omitempty"`
}

// AssertionBundle is what an authenticator returns from a get-assertion call.
type AssertionBundle struct {
	CredentialID      protocol.URLEncodedBase64 `json:"credentialId"`
	ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJson"`
	AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
	Signature         protocol.URLEncodedBase64 `json:"signature"`
	UserHandle        protocol.URLEncodedBase64 `json:"userHandle,omitempty"`
}

// Authenticator is the platform WebAuthn API. Implementations must honour ctx
// cancellation and return ErrCeremonyAborted when the user declines.
type Authenticator interface {
	MakeCredential(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*AttestationBundle, error)
	GetAssertion(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*AssertionBundle, error)
}
