// Package ceremony drives the platform authenticator to create the passkey
// that becomes a sub-organization's identity.
package ceremony

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

// UserHandleLength is the size of the random user handle stored inside the
// authenticator.
const UserHandleLength = 32

// DefaultTimeout bounds how long the authenticator prompt may stay open.
const DefaultTimeout = 60 * time.Second

// CredentialParameters is the only algorithm the key-management service
// accepts for passkeys: ECDSA over P-256.
var CredentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
}

// NewChallenge returns 32 fresh random bytes.
func NewChallenge() (protocol.URLEncodedBase64, error) {
	return readRandom(rand.Reader, protocol.ChallengeLength)
}

// NewUserHandle returns a fresh random user handle.
func NewUserHandle() ([]byte, error) {
	return readRandom(rand.Reader, UserHandleLength)
}

func readRandom(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Ceremony creates passkeys bound to a single relying party.
type Ceremony struct {
	Authenticator interfaces.Authenticator
	RPID          string
	RPName        string
	Timeout       time.Duration
	Log           *slog.Logger

	// Rand supplies challenges and user handles. Nil means crypto/rand.
	Rand io.Reader
}

// Result is a completed credential creation together with the challenge the
// authenticator signed over. The challenge is single-use.
type Result struct {
	Attestation *interfaces.AttestationBundle
	Challenge   protocol.URLEncodedBase64
}

// CreationOptions builds the options handed to the authenticator.
func (c *Ceremony) CreationOptions(label string, challenge protocol.URLEncodedBase64, userHandle []byte) *protocol.PublicKeyCredentialCreationOptions {
	rpName := c.RPName
	if rpName == "" {
		rpName = c.RPID
	}

	return &protocol.PublicKeyCredentialCreationOptions{
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: rpName},
			ID:               c.RPID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: label},
			DisplayName:      label,
			ID:               protocol.URLEncodedBase64(userHandle),
		},
		Challenge:  challenge,
		Parameters: CredentialParameters,
		Timeout:    int(c.timeout().Milliseconds()),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			UserVerification:        protocol.VerificationPreferred,
		},
		Attestation: protocol.PreferNoAttestation,
	}
}

// Create runs one credential creation ceremony labelled with label. A new
// challenge and user handle are generated on every call.
func (c *Ceremony) Create(ctx context.Context, label string) (*Result, error) {
	challenge, err := readRandom(c.random(), protocol.ChallengeLength)
	if err != nil {
		return nil, signerr.Wrap(err, signerr.KindInternal, "could not read random bytes for the challenge")
	}
	userHandle, err := readRandom(c.random(), UserHandleLength)
	if err != nil {
		return nil, signerr.Wrap(err, signerr.KindInternal, "could not read random bytes for the user handle")
	}

	opts := c.CreationOptions(label, challenge, userHandle)
	c.log().Debug("starting credential creation", "rpId", c.RPID, "label", label)

	attestation, err := c.makeCredential(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := checkChallenge(attestation.ClientDataJSON, challenge); err != nil {
		return nil, signerr.Wrap(err, signerr.KindCeremonyCancelled, "authenticator returned an unusable attestation")
	}

	return &Result{Attestation: attestation, Challenge: challenge}, nil
}

// makeCredential bounds the authenticator call by the ceremony timeout and
// ctx even when the authenticator itself does not watch ctx.
func (c *Ceremony) makeCredential(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*interfaces.AttestationBundle, error) {
	if c.Authenticator == nil {
		return nil, signerr.New(signerr.KindCeremonyCancelled, "no authenticator configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	type outcome struct {
		bundle *interfaces.AttestationBundle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		bundle, err := c.Authenticator.MakeCredential(ctx, opts)
		done <- outcome{bundle, err}
	}()

	select {
	case <-ctx.Done():
		return nil, signerr.Wrap(ctx.Err(), signerr.KindCeremonyCancelled, "credential creation did not complete")
	case res := <-done:
		if res.err != nil {
			msg := "authenticator failed"
			if errors.Is(res.err, interfaces.ErrCeremonyAborted) {
				msg = "user or device aborted credential creation"
			}
			return nil, signerr.Wrap(res.err, signerr.KindCeremonyCancelled, msg)
		}
		if res.bundle == nil {
			return nil, signerr.New(signerr.KindCeremonyCancelled, "authenticator returned no attestation")
		}
		return res.bundle, nil
	}
}

func (c *Ceremony) random() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Ceremony) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Ceremony) log() *slog.Logger {
	if c.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Log
}

func checkChallenge(clientDataJSON []byte, challenge protocol.URLEncodedBase64) error {
	var clientData protocol.CollectedClientData
	if err := json.Unmarshal(clientDataJSON, &clientData); err != nil {
		return fmt.Errorf("could not parse client data: %w", err)
	}
	if clientData.Type != protocol.CreateCeremony {
		return fmt.Errorf("unexpected client data type %q", clientData.Type)
	}
	if clientData.Challenge != base64.RawURLEncoding.EncodeToString(challenge) {
		return errors.New("authenticator returned client data for a different challenge")
	}
	return nil
}
