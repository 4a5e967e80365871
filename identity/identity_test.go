package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/api/kmsclient"
	"github.com/ruteri/passkey-kms-client/ceremony"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
	"github.com/ruteri/passkey-kms-client/stamper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingAuthenticator returns fixed credentials and counts invocations.
type countingAuthenticator struct {
	creates   int
	asserts   int
	createErr error
}

func (a *countingAuthenticator) MakeCredential(_ context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*interfaces.AttestationBundle, error) {
	a.creates++
	if a.createErr != nil {
		return nil, a.createErr
	}
	clientData, _ := json.Marshal(protocol.CollectedClientData{
		Type:      protocol.CreateCeremony,
		Challenge: base64.RawURLEncoding.EncodeToString(opts.Challenge),
		Origin:    "https://wallet.example",
	})
	return &interfaces.AttestationBundle{
		CredentialID:      []byte("fixed-credential"),
		ClientDataJSON:    clientData,
		AttestationObject: []byte("fixed-attestation"),
	}, nil
}

func (a *countingAuthenticator) GetAssertion(_ context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*interfaces.AssertionBundle, error) {
	a.asserts++
	return &interfaces.AssertionBundle{
		CredentialID:      []byte("fixed-credential"),
		ClientDataJSON:    []byte(`{}`),
		AuthenticatorData: []byte("auth-data"),
		Signature:         []byte("sig"),
	}, nil
}

func TestBootstrapReturnsOrganizationID(t *testing.T) {
	auth := &countingAuthenticator{}
	provider := new(kmsclient.MockKMSProvider)
	provider.On("CreateSubOrganization", mock.Anything, mock.MatchedBy(func(req *api.CreateSubOrganizationRequest) bool {
		return req.SubOrganizationName == "acme" &&
			string(req.Attestation.AttestationObject) == "fixed-attestation" &&
			len(req.Challenge) == 32
	})).Return(&api.CreateSubOrganizationResponse{OrganizationID: "org_1"}, nil)

	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: auth, RPID: "wallet.example"}, provider, nil)
	orgID, err := b.Bootstrap(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OrganizationID("org_1"), orgID)
	assert.Equal(t, 1, auth.creates)
	provider.AssertExpectations(t)
}

func TestBootstrapTwiceUsesFreshChallenges(t *testing.T) {
	var challenges []string
	provider := new(kmsclient.MockKMSProvider)
	provider.On("CreateSubOrganization", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		req := args.Get(1).(*api.CreateSubOrganizationRequest)
		challenges = append(challenges, string(req.Challenge))
	}).Return(&api.CreateSubOrganizationResponse{OrganizationID: "org_1"}, nil).Once()
	provider.On("CreateSubOrganization", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		req := args.Get(1).(*api.CreateSubOrganizationRequest)
		challenges = append(challenges, string(req.Challenge))
	}).Return(&api.CreateSubOrganizationResponse{OrganizationID: "org_2"}, nil).Once()

	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: &countingAuthenticator{}, RPID: "wallet.example"}, provider, nil)
	first, err := b.Bootstrap(context.Background(), "acme")
	require.NoError(t, err)
	second, err := b.Bootstrap(context.Background(), "acme")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	require.Len(t, challenges, 2)
	assert.NotEqual(t, challenges[0], challenges[1])
}

func TestBootstrapRejectedAttestation(t *testing.T) {
	rejection := &signerr.Error{
		Kind:    signerr.KindTransportFailure,
		Message: "challenge already used",
		Cause:   &kmsclient.ServerError{StatusCode: http.StatusBadRequest, Message: "challenge already used"},
	}
	provider := new(kmsclient.MockKMSProvider)
	provider.On("CreateSubOrganization", mock.Anything, mock.Anything).Return(nil, rejection).Once()

	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: &countingAuthenticator{}, RPID: "wallet.example"}, provider, nil)
	_, err := b.Bootstrap(context.Background(), "acme")
	require.Error(t, err)

	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindIdentityCreation, typed.Kind)
	assert.Equal(t, "challenge already used", typed.Message)
	// No retry.
	provider.AssertNumberOfCalls(t, "CreateSubOrganization", 1)
}

func TestBootstrapNetworkFailureStaysTransport(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("CreateSubOrganization", mock.Anything, mock.Anything).
		Return(nil, signerr.Wrap(errors.New("connection refused"), signerr.KindTransportFailure, "could not reach kms"))

	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: &countingAuthenticator{}, RPID: "wallet.example"}, provider, nil)
	_, err := b.Bootstrap(context.Background(), "acme")
	assert.Equal(t, signerr.KindTransportFailure, signerr.KindOf(err))
}

func TestBootstrapCeremonyCancelled(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: &countingAuthenticator{createErr: interfaces.ErrCeremonyAborted}, RPID: "wallet.example"}, provider, nil)

	_, err := b.Bootstrap(context.Background(), "acme")
	assert.Equal(t, signerr.KindCeremonyCancelled, signerr.KindOf(err))
	provider.AssertNotCalled(t, "CreateSubOrganization", mock.Anything, mock.Anything)
}

func TestBootstrapEmptyLabel(t *testing.T) {
	auth := &countingAuthenticator{}
	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: auth, RPID: "wallet.example"}, new(kmsclient.MockKMSProvider), nil)

	_, err := b.Bootstrap(context.Background(), "  ")
	assert.Equal(t, signerr.KindIdentityCreation, signerr.KindOf(err))
	assert.Zero(t, auth.creates)
}

func TestBootstrapMissingOrganizationID(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("CreateSubOrganization", mock.Anything, mock.Anything).Return(&api.CreateSubOrganizationResponse{}, nil)

	b := NewBootstrapper(&ceremony.Ceremony{Authenticator: &countingAuthenticator{}, RPID: "wallet.example"}, provider, nil)
	_, err := b.Bootstrap(context.Background(), "acme")
	assert.Equal(t, signerr.KindIdentityCreation, signerr.KindOf(err))
}

func TestLoginStampsWithoutCeremony(t *testing.T) {
	auth := &countingAuthenticator{}

	mux := chi.NewRouter()
	mux.Post(api.WhoAmIPath, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(stamper.WebAuthnHeader))
		var req api.WhoAmIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, interfaces.OrganizationID("parent-org"), req.OrganizationID)
		json.NewEncoder(w).Encode(api.WhoAmIResponse{OrganizationID: "org_2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := kmsclient.NewClient(srv.URL, &stamper.WebAuthnStamper{Authenticator: auth, RPID: "wallet.example"})
	orgID, err := NewResolver("parent-org", client, nil).Login(context.Background())
	require.NoError(t, err)

	assert.Equal(t, interfaces.OrganizationID("org_2"), orgID)
	assert.Zero(t, auth.creates)
	assert.Equal(t, 1, auth.asserts)
}

func TestLoginUnknownCredential(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("WhoAmI", mock.Anything, &api.WhoAmIRequest{OrganizationID: "parent-org"}).Return(nil, &signerr.Error{
		Kind:    signerr.KindTransportFailure,
		Message: "credential is not registered",
		Cause:   &kmsclient.ServerError{StatusCode: http.StatusUnauthorized, Message: "credential is not registered"},
	})

	_, err := NewResolver("parent-org", provider, nil).Login(context.Background())
	require.Error(t, err)

	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindLookup, typed.Kind)
	assert.Equal(t, "credential is not registered", typed.Message)
}

func TestLoginStampingFailure(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("WhoAmI", mock.Anything, mock.Anything).Return(nil, signerr.Wrap(interfaces.ErrNoCredential, signerr.KindStampingFailure, "no passkey"))

	_, err := NewResolver("parent-org", provider, nil).Login(context.Background())
	assert.Equal(t, signerr.KindLookup, signerr.KindOf(err))
	assert.True(t, signerr.HasKind(err, signerr.KindStampingFailure))
	assert.ErrorIs(t, err, interfaces.ErrNoCredential)
}

func TestLoginEmptyOrganization(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("WhoAmI", mock.Anything, mock.Anything).Return(&api.WhoAmIResponse{}, nil)

	_, err := NewResolver("parent-org", provider, nil).Login(context.Background())
	assert.Equal(t, signerr.KindLookup, signerr.KindOf(err))
}
