package kmsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

const (
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize is the maximum response body the client will read (1MB).
	maxResponseSize = 1024 * 1024
)

// ServerError is a structured rejection returned by the service.
type ServerError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("kms returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the key-management service.
type Client struct {
	baseURL    string
	stamper    interfaces.Stamper
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a client for the service at baseURL. Stamped endpoints
// use stamper; it may be nil for a client that only provisions.
//
// Parameters:
//   - baseURL: The base URL of the service (e.g., "http://localhost:8080")
//   - stamper: Request stamper used for every privileged call
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewClient(baseURL string, stamper interfaces.Stamper, timeout ...time.Duration) *Client {
	clientTimeout := DefaultTimeout
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		stamper: stamper,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithLogger sets the logger used for request tracing.
func (c *Client) WithLogger(log *slog.Logger) *Client {
	c.log = log
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// CreateSubOrganization submits a passkey attestation to the provisioning
// endpoint.
func (c *Client) CreateSubOrganization(ctx context.Context, req *api.CreateSubOrganizationRequest) (*api.CreateSubOrganizationResponse, error) {
	var resp api.CreateSubOrganizationResponse
	if err := c.post(ctx, api.ProvisioningPath, req, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhoAmI asks the service which organization owns the stamping credential.
func (c *Client) WhoAmI(ctx context.Context, req *api.WhoAmIRequest) (*api.WhoAmIResponse, error) {
	var resp api.WhoAmIResponse
	if err := c.post(ctx, api.WhoAmIPath, req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPrivateKey returns the metadata and addresses of a custodial key.
func (c *Client) GetPrivateKey(ctx context.Context, req *api.GetPrivateKeyRequest) (*api.GetPrivateKeyResponse, error) {
	var resp api.GetPrivateKeyResponse
	if err := c.post(ctx, api.GetPrivateKeyPath, req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitActivity stamps and submits an activity envelope and returns the
// activity as reported by the service, whatever its status.
func (c *Client) SubmitActivity(ctx context.Context, req *api.ActivityRequest) (*interfaces.Activity, error) {
	if !req.Type.Known() {
		return nil, signerr.New(signerr.KindTransportFailure, fmt.Sprintf("no endpoint for activity type %q", req.Type))
	}

	var resp api.ActivityResponse
	if err := c.post(ctx, api.SubmitPathPrefix+req.Type.Path(), req, true, &resp); err != nil {
		return nil, err
	}
	return &resp.Activity, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, stamped bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return signerr.Wrap(errors.Wrap(err, "could not encode request"), signerr.KindTransportFailure, "could not build request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return signerr.Wrap(errors.Wrap(err, "could not initialize request"), signerr.KindTransportFailure, "could not build request")
	}
	req.Header.Set("Content-Type", "application/json")

	if stamped {
		if c.stamper == nil {
			return signerr.New(signerr.KindStampingFailure, "no stamper configured")
		}
		stamp, err := c.stamper.Stamp(ctx, body)
		if err != nil {
			return signerr.Wrap(err, signerr.KindStampingFailure, "could not stamp request")
		}
		req.Header.Set(stamp.Header, stamp.Value)
	}

	c.log.Debug("kms request", "path", path, "stamped", stamped)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signerr.Wrap(errors.Wrapf(err, "could not request %s", path), signerr.KindTransportFailure, "could not reach kms")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return signerr.Wrap(errors.Wrap(err, "could not read kms response"), signerr.KindTransportFailure, "could not read kms response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serverErr := parseServerError(resp.StatusCode, respBody)
		c.log.Debug("kms rejected request", "path", path, "status", resp.StatusCode, "message", serverErr.Message)
		return &signerr.Error{Kind: signerr.KindTransportFailure, Message: serverErr.Message, Cause: serverErr}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return signerr.Wrap(errors.Wrap(err, "could not parse kms response"), signerr.KindMalformedResult, "kms response is not valid json")
	}
	return nil
}

func parseServerError(status int, body []byte) *ServerError {
	serverErr := &ServerError{StatusCode: status}

	var parsed api.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		serverErr.Code = parsed.Code
		serverErr.Message = parsed.Message
		return serverErr
	}

	serverErr.Message = strings.TrimSpace(string(body))
	if serverErr.Message == "" {
		serverErr.Message = http.StatusText(status)
	}
	return serverErr
}

// AsServerError returns the ServerError in err's chain, if any.
func AsServerError(err error) (*ServerError, bool) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr, true
	}
	return nil, false
}
