package devserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/google/uuid"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/stamper"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// challengeLength is the size of provisioning challenges accepted.
	challengeLength = 32
)

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func requestError(status int, format string, args ...any) *RequestError {
	return &RequestError{StatusCode: status, Err: fmt.Errorf(format, args...)}
}

type attestationObject struct {
	Format   string         `cbor:"fmt"`
	AttStmt  map[string]any `cbor:"attStmt"`
	AuthData []byte         `cbor:"authData"`
}

// Handler serves the emulated key-management API.
type Handler struct {
	directory *Directory
	custody   *SimpleCustody
	rpID      string
	origin    string
	log       *slog.Logger
	now       func() time.Time
}

// NewHandler creates a handler for credentials scoped to relying party rpID.
func NewHandler(directory *Directory, custody *SimpleCustody, rpID string, log *slog.Logger) *Handler {
	return &Handler{
		directory: directory,
		custody:   custody,
		rpID:      rpID,
		log:       log,
		now:       time.Now,
	}
}

// WithOrigin makes provisioning reject attestations made for another origin.
func (h *Handler) WithOrigin(origin string) *Handler {
	h.origin = origin
	return h
}

// HandleCreateSubOrganization registers a sub-organization for a freshly
// created passkey. It is the only endpoint that needs no stamp.
//
// URL format: POST /api/v1/sub-organizations
func (h *Handler) HandleCreateSubOrganization(w http.ResponseWriter, r *http.Request) {
	body, reqErr := readBody(r)
	if reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	var req api.CreateSubOrganizationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, requestError(http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.SubOrganizationName == "" {
		h.writeError(w, requestError(http.StatusBadRequest, "sub-organization name is required"))
		return
	}

	credentialID, publicKey, reqErr := h.verifyAttestation(&req)
	if reqErr != nil {
		h.log.Warn("Rejected attestation", "err", reqErr, "name", req.SubOrganizationName)
		h.writeError(w, reqErr)
		return
	}

	if err := h.directory.SpendChallenge(req.Challenge); err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}

	org, err := h.directory.CreateSubOrganization(req.SubOrganizationName, credentialID, publicKey)
	if errors.Is(err, ErrDuplicateCredential) {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: err})
		return
	} else if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Err: err})
		return
	}

	h.log.Info("Sub-organization created", "organizationId", org.ID, "name", org.Name)
	h.writeJSON(w, &api.CreateSubOrganizationResponse{OrganizationID: org.ID})
}

func (h *Handler) verifyAttestation(req *api.CreateSubOrganizationRequest) ([]byte, []byte, *RequestError) {
	if len(req.Challenge) != challengeLength {
		return nil, nil, requestError(http.StatusBadRequest, "challenge must be %d bytes", challengeLength)
	}

	var clientData protocol.CollectedClientData
	if err := json.Unmarshal(req.Attestation.ClientDataJSON, &clientData); err != nil {
		return nil, nil, requestError(http.StatusBadRequest, "invalid client data")
	}
	if clientData.Type != protocol.CreateCeremony {
		return nil, nil, requestError(http.StatusBadRequest, "unexpected client data type %q", clientData.Type)
	}
	if clientData.Challenge != base64.RawURLEncoding.EncodeToString(req.Challenge) {
		return nil, nil, requestError(http.StatusBadRequest, "attestation was made for a different challenge")
	}
	if h.origin != "" && clientData.Origin != h.origin {
		return nil, nil, requestError(http.StatusBadRequest, "attestation was made for origin %q", clientData.Origin)
	}

	var attObj attestationObject
	if err := webauthncbor.Unmarshal(req.Attestation.AttestationObject, &attObj); err != nil {
		return nil, nil, requestError(http.StatusBadRequest, "invalid attestation object")
	}
	if attObj.Format != "none" {
		return nil, nil, requestError(http.StatusBadRequest, "unsupported attestation format %q", attObj.Format)
	}

	var authData protocol.AuthenticatorData
	if err := authData.Unmarshal(attObj.AuthData); err != nil {
		return nil, nil, requestError(http.StatusBadRequest, "invalid authenticator data")
	}
	rpIDHash := sha256.Sum256([]byte(h.rpID))
	if !bytes.Equal(authData.RPIDHash, rpIDHash[:]) {
		return nil, nil, requestError(http.StatusBadRequest, "attestation was made for a different relying party")
	}
	if !authData.Flags.UserPresent() {
		return nil, nil, requestError(http.StatusBadRequest, "attestation was made without user presence")
	}
	if !authData.Flags.HasAttestedCredentialData() {
		return nil, nil, requestError(http.StatusBadRequest, "attestation carries no credential")
	}
	if !bytes.Equal(authData.AttData.CredentialID, req.Attestation.CredentialID) {
		return nil, nil, requestError(http.StatusBadRequest, "credential id does not match attestation")
	}

	publicKey, err := webauthncose.ParsePublicKey(authData.AttData.CredentialPublicKey)
	if err != nil {
		return nil, nil, requestError(http.StatusBadRequest, "invalid credential public key")
	}
	ec2, ok := publicKey.(webauthncose.EC2PublicKeyData)
	if !ok || ec2.Algorithm != int64(webauthncose.AlgES256) {
		return nil, nil, requestError(http.StatusBadRequest, "credential key must be ES256")
	}

	return authData.AttData.CredentialID, authData.AttData.CredentialPublicKey, nil
}

// HandleWhoAmI returns the organization owning the stamping credential. The
// request may be scoped to the parent organization or to the caller's own.
//
// URL format: POST /public/v1/query/whoami
func (h *Handler) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	body, caller, reqErr := h.authenticatedBody(r)
	if reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	var req api.WhoAmIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, requestError(http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.OrganizationID != h.directory.Parent().ID && req.OrganizationID != caller.ID {
		h.writeError(w, requestError(http.StatusForbidden, "credential is not authorized for organization %s", req.OrganizationID))
		return
	}

	h.writeJSON(w, &api.WhoAmIResponse{
		OrganizationID:   caller.ID,
		OrganizationName: caller.Name,
		UserID:           caller.User.ID,
		Username:         caller.User.Name,
	})
}

// HandleGetPrivateKey returns the public metadata of a custodial key.
//
// URL format: POST /public/v1/query/get_private_key
func (h *Handler) HandleGetPrivateKey(w http.ResponseWriter, r *http.Request) {
	body, caller, reqErr := h.authenticatedBody(r)
	if reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	var req api.GetPrivateKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, requestError(http.StatusBadRequest, "invalid request body"))
		return
	}
	if reqErr := h.authorize(caller, req.OrganizationID); reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	key, err := h.custody.Key(req.OrganizationID, req.PrivateKeyID)
	if errors.Is(err, ErrUnknownKey) {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: err})
		return
	} else if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Err: err})
		return
	}

	h.writeJSON(w, &api.GetPrivateKeyResponse{PrivateKey: *key})
}

// HandleSubmitActivity executes an activity envelope. Activities complete
// synchronously; execution failures are reported as a failed activity, not
// as an HTTP error.
//
// URL format: POST /public/v1/submit/{activity}
func (h *Handler) HandleSubmitActivity(w http.ResponseWriter, r *http.Request) {
	activityType, ok := interfaces.ActivityTypeFromPath(chi.URLParam(r, "activity"))
	if !ok {
		h.writeError(w, requestError(http.StatusBadRequest, "unknown activity %q", chi.URLParam(r, "activity")))
		return
	}

	body, caller, reqErr := h.authenticatedBody(r)
	if reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	var req api.ActivityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, requestError(http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Type != activityType {
		h.writeError(w, requestError(http.StatusBadRequest, "activity type %q does not match endpoint", req.Type))
		return
	}
	if req.TimestampMs == "" {
		h.writeError(w, requestError(http.StatusBadRequest, "timestampMs is required"))
		return
	}
	if reqErr := h.authorize(caller, req.OrganizationID); reqErr != nil {
		h.writeError(w, reqErr)
		return
	}

	activity := &interfaces.Activity{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		CreatedAt:      h.now().UTC().Format(time.RFC3339),
	}

	var (
		payload any
		err     error
	)
	switch activityType {
	case interfaces.ActivityTypeCreatePrivateKeys:
		payload, err = h.createPrivateKeys(req.OrganizationID, req.Parameters)
	case interfaces.ActivityTypeSignTransaction:
		payload, err = h.signTransaction(req.OrganizationID, req.Parameters)
	}

	var badParams *RequestError
	if errors.As(err, &badParams) {
		h.writeError(w, badParams)
		return
	}

	if err != nil {
		activity.Status = interfaces.ActivityStatusFailed
		activity.Failure = &interfaces.ActivityFailure{Code: http.StatusUnprocessableEntity, Message: err.Error()}
		h.log.Info("Activity failed", "activityId", activity.ID, "type", activity.Type, "err", err)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Err: err})
			return
		}
		activity.Status = interfaces.ActivityStatusCompleted
		activity.Result = map[string]json.RawMessage{activityType.ResultField(): raw}
		h.log.Info("Activity completed", "activityId", activity.ID, "type", activity.Type)
	}

	h.writeJSON(w, &api.ActivityResponse{Activity: *activity})
}

func (h *Handler) createPrivateKeys(org interfaces.OrganizationID, rawParams json.RawMessage) (*api.CreatePrivateKeysResult, error) {
	var params api.CreatePrivateKeysParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, requestError(http.StatusBadRequest, "invalid activity parameters")
	}
	if len(params.PrivateKeys) == 0 {
		return nil, requestError(http.StatusBadRequest, "no private keys requested")
	}

	keys, err := h.custody.CreateKeys(org, params.PrivateKeys)
	if err != nil {
		return nil, err
	}

	result := &api.CreatePrivateKeysResult{}
	for _, key := range keys {
		result.PrivateKeys = append(result.PrivateKeys, api.PrivateKeyResult{PrivateKeyID: key.PrivateKeyID, Addresses: key.Addresses})
	}
	return result, nil
}

func (h *Handler) signTransaction(org interfaces.OrganizationID, rawParams json.RawMessage) (*api.SignTransactionResult, error) {
	var params api.SignTransactionParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, requestError(http.StatusBadRequest, "invalid activity parameters")
	}
	if params.Type != api.TransactionTypeEthereum {
		return nil, fmt.Errorf("unsupported transaction type %q", params.Type)
	}

	signed, err := h.custody.SignTransaction(org, params.SignWith, params.UnsignedTransaction)
	if err != nil {
		return nil, err
	}
	return &api.SignTransactionResult{SignedTransaction: signed}, nil
}

// authenticatedBody reads the request body and resolves the organization
// of the credential that stamped it.
func (h *Handler) authenticatedBody(r *http.Request) ([]byte, *Organization, *RequestError) {
	body, reqErr := readBody(r)
	if reqErr != nil {
		return nil, nil, reqErr
	}

	if value := r.Header.Get(stamper.WebAuthnHeader); value != "" {
		verified, err := stamper.VerifyWebAuthnStamp(body, value, h.rpID, h.directory.PasskeyPublicKey)
		if err != nil {
			h.log.Debug("Rejected passkey stamp", "err", err)
			return nil, nil, &RequestError{StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("invalid stamp: %w", err)}
		}
		if err := h.directory.RecordSignCount(verified.CredentialID, verified.SignCount); err != nil {
			h.log.Warn("Rejected replayed passkey stamp", "signCount", verified.SignCount)
			return nil, nil, &RequestError{StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("invalid stamp: %w", err)}
		}
		org, err := h.directory.PasskeyOwner(verified.CredentialID)
		if err != nil {
			return nil, nil, &RequestError{StatusCode: http.StatusUnauthorized, Err: err}
		}
		return body, org, nil
	}

	if value := r.Header.Get(stamper.APIKeyHeader); value != "" {
		publicKey, err := stamper.VerifyAPIKeyStamp(body, value)
		if err != nil {
			h.log.Debug("Rejected api key stamp", "err", err)
			return nil, nil, &RequestError{StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("invalid stamp: %w", err)}
		}
		org, err := h.directory.APIKeyOwner(publicKey)
		if err != nil {
			return nil, nil, &RequestError{StatusCode: http.StatusUnauthorized, Err: err}
		}
		return body, org, nil
	}

	return nil, nil, requestError(http.StatusUnauthorized, "request is not stamped")
}

// authorize allows callers to act on their own organization. The parent
// organization may act on any existing organization.
func (h *Handler) authorize(caller *Organization, target interfaces.OrganizationID) *RequestError {
	if target == "" {
		return requestError(http.StatusBadRequest, "organizationId is required")
	}
	if caller.ID == target {
		return nil
	}
	if caller.ID != h.directory.Parent().ID {
		return requestError(http.StatusForbidden, "credential is not authorized for organization %s", target)
	}
	if _, ok := h.directory.Organization(target); !ok {
		return requestError(http.StatusNotFound, "unknown organization %s", target)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, *RequestError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, requestError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxBodySize {
		return nil, requestError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return body, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqErr *RequestError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reqErr.StatusCode)
	if err := json.NewEncoder(w).Encode(&api.ErrorResponse{Code: reqErr.StatusCode, Message: reqErr.Error()}); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}
