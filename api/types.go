package api

import (
	"context"
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/ruteri/passkey-kms-client/interfaces"
)

// Endpoint paths of the key-management service.
const (
	// ProvisioningPath creates a sub-organization from a fresh passkey. It is
	// the only unstamped endpoint.
	ProvisioningPath = "/api/v1/sub-organizations"

	WhoAmIPath        = "/public/v1/query/whoami"
	GetPrivateKeyPath = "/public/v1/query/get_private_key"

	// SubmitPathPrefix is followed by ActivityType.Path().
	SubmitPathPrefix = "/public/v1/submit/"
)

const (
	CurveSecp256k1 = "CURVE_SECP256K1"

	TransactionTypeEthereum = "TRANSACTION_TYPE_ETHEREUM"
)

// ProvisioningProvider registers new sub-organizations.
type ProvisioningProvider interface {
	CreateSubOrganization(ctx context.Context, req *CreateSubOrganizationRequest) (*CreateSubOrganizationResponse, error)
}

// IdentityProvider resolves the organization owning the stamping credential.
type IdentityProvider interface {
	WhoAmI(ctx context.Context, req *WhoAmIRequest) (*WhoAmIResponse, error)
}

// ActivityProvider submits stamped activity envelopes.
type ActivityProvider interface {
	SubmitActivity(ctx context.Context, req *ActivityRequest) (*interfaces.Activity, error)
}

// KeyProvider looks up custodial key metadata.
type KeyProvider interface {
	GetPrivateKey(ctx context.Context, req *GetPrivateKeyRequest) (*GetPrivateKeyResponse, error)
}

// KMSProvider is the full client surface of the key-management service.
type KMSProvider interface {
	ProvisioningProvider
	IdentityProvider
	ActivityProvider
	KeyProvider
}

// CreateSubOrganizationRequest binds a freshly created passkey to a new
// sub-organization. Challenge is the one the attestation was made over.
type CreateSubOrganizationRequest struct {
	SubOrganizationName string                       `json:"subOrganizationName"`
	Challenge           protocol.URLEncodedBase64    `json:"challenge"`
	Attestation         interfaces.AttestationBundle `json:"attestation"`
}

type CreateSubOrganizationResponse struct {
	OrganizationID interfaces.OrganizationID `json:"organizationId"`
}

// WhoAmIRequest is scoped to the parent organization; the server answers
// with the sub-organization owning the stamping credential.
type WhoAmIRequest struct {
	OrganizationID interfaces.OrganizationID `json:"organizationId"`
}

type WhoAmIResponse struct {
	OrganizationID   interfaces.OrganizationID `json:"organizationId"`
	OrganizationName string                    `json:"organizationName"`
	UserID           string                    `json:"userId"`
	Username         string                    `json:"username"`
}

// ActivityRequest is the envelope every privileged intent travels in. The
// stamp covers the exact serialized envelope.
type ActivityRequest struct {
	Type           interfaces.ActivityType   `json:"type"`
	RequestID      string                    `json:"requestId"`
	TimestampMs    string                    `json:"timestampMs"`
	OrganizationID interfaces.OrganizationID `json:"organizationId"`
	Parameters     json.RawMessage           `json:"parameters"`
}

type ActivityResponse struct {
	Activity interfaces.Activity `json:"activity"`
}

type GetPrivateKeyRequest struct {
	OrganizationID interfaces.OrganizationID `json:"organizationId"`
	PrivateKeyID   interfaces.KeyID          `json:"privateKeyId"`
}

type GetPrivateKeyResponse struct {
	PrivateKey PrivateKey `json:"privateKey"`
}

// PrivateKey is the public metadata of a custodial key.
type PrivateKey struct {
	PrivateKeyID   interfaces.KeyID        `json:"privateKeyId"`
	PrivateKeyName string                  `json:"privateKeyName"`
	Curve          string                  `json:"curve"`
	Addresses      []interfaces.KeyAddress `json:"addresses"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CreatePrivateKeysParams are the parameters of ACTIVITY_TYPE_CREATE_PRIVATE_KEYS_V2.
type CreatePrivateKeysParams struct {
	PrivateKeys []PrivateKeyParams `json:"privateKeys"`
}

type PrivateKeyParams struct {
	PrivateKeyName string                     `json:"privateKeyName"`
	Curve          string                     `json:"curve"`
	AddressFormats []interfaces.AddressFormat `json:"addressFormats"`
	PrivateKeyTags []string                   `json:"privateKeyTags"`
}

type CreatePrivateKeysResult struct {
	PrivateKeys []PrivateKeyResult `json:"privateKeys"`
}

type PrivateKeyResult struct {
	PrivateKeyID interfaces.KeyID        `json:"privateKeyId"`
	Addresses    []interfaces.KeyAddress `json:"addresses"`
}

// SignTransactionParams are the parameters of ACTIVITY_TYPE_SIGN_TRANSACTION_V2.
// UnsignedTransaction is the canonical hex encoding without 0x prefix.
type SignTransactionParams struct {
	SignWith            interfaces.KeyID `json:"signWith"`
	UnsignedTransaction string           `json:"unsignedTransaction"`
	Type                string           `json:"type"`
}

type SignTransactionResult struct {
	SignedTransaction string `json:"signedTransaction"`
}
