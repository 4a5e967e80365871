package kmsclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStamper struct {
	calls int
	last  []byte
	err   error
}

func (s *fakeStamper) Stamp(_ context.Context, body []byte) (*interfaces.Stamp, error) {
	s.calls++
	s.last = body
	if s.err != nil {
		return nil, s.err
	}
	return &interfaces.Stamp{Header: "X-Stamp", Value: "stamp-of-" + string(body)}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestWhoAmIIsStamped(t *testing.T) {
	stamper := &fakeStamper{}
	mux := chi.NewRouter()
	mux.Post(api.WhoAmIPath, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "stamp-of-"+string(body), r.Header.Get("X-Stamp"))
		assert.JSONEq(t, `{"organizationId":"parent"}`, string(body))
		writeJSON(w, http.StatusOK, api.WhoAmIResponse{OrganizationID: "org_2", Username: "acme"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, stamper)
	resp, err := c.WhoAmI(context.Background(), &api.WhoAmIRequest{OrganizationID: "parent"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.OrganizationID("org_2"), resp.OrganizationID)
	assert.Equal(t, 1, stamper.calls)
}

func TestProvisioningIsNotStamped(t *testing.T) {
	stamper := &fakeStamper{}
	mux := chi.NewRouter()
	mux.Post(api.ProvisioningPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Stamp"))
		writeJSON(w, http.StatusOK, api.CreateSubOrganizationResponse{OrganizationID: "org_1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := NewClient(srv.URL, stamper).CreateSubOrganization(context.Background(), &api.CreateSubOrganizationRequest{SubOrganizationName: "acme"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.OrganizationID("org_1"), resp.OrganizationID)
	assert.Zero(t, stamper.calls)
}

func TestSubmitActivityRoutesByType(t *testing.T) {
	mux := chi.NewRouter()
	mux.Post(api.SubmitPathPrefix+"sign_transaction", func(w http.ResponseWriter, r *http.Request) {
		var req api.ActivityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, api.ActivityResponse{Activity: interfaces.Activity{
			ID:     "act-1",
			Type:   req.Type,
			Status: interfaces.ActivityStatusCompleted,
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	activity, err := NewClient(srv.URL, &fakeStamper{}).SubmitActivity(context.Background(), &api.ActivityRequest{
		Type:       interfaces.ActivityTypeSignTransaction,
		Parameters: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "act-1", activity.ID)
	assert.Equal(t, interfaces.ActivityStatusCompleted, activity.Status)
}

func TestSubmitActivityUnknownType(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0", &fakeStamper{}).SubmitActivity(context.Background(), &api.ActivityRequest{Type: "ACTIVITY_TYPE_NOPE"})
	require.Error(t, err)
	assert.Equal(t, signerr.KindTransportFailure, signerr.KindOf(err))
}

func TestServerErrorSurfacedVerbatim(t *testing.T) {
	mux := chi.NewRouter()
	mux.Post(api.ProvisioningPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: 3, Message: "challenge already used"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).CreateSubOrganization(context.Background(), &api.CreateSubOrganizationRequest{})
	require.Error(t, err)

	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindTransportFailure, typed.Kind)
	assert.Equal(t, "challenge already used", typed.Message)

	serverErr, ok := AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, serverErr.StatusCode)
	assert.Equal(t, 3, serverErr.Code)
}

func TestServerErrorPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &fakeStamper{}).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	serverErr, ok := AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, "upstream unavailable", serverErr.Message)
}

func TestStampingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a stamp")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &fakeStamper{err: errors.New("authenticator gone")}).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	require.Error(t, err)
	assert.Equal(t, signerr.KindStampingFailure, signerr.KindOf(err))

	_, err = NewClient(srv.URL, nil).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	assert.Equal(t, signerr.KindStampingFailure, signerr.KindOf(err))
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, &fakeStamper{}).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	require.Error(t, err)
	assert.Equal(t, signerr.KindTransportFailure, signerr.KindOf(err))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, &fakeStamper{}, 50*time.Millisecond).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	require.Error(t, err)
	assert.Equal(t, signerr.KindTransportFailure, signerr.KindOf(err))
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &fakeStamper{}).WhoAmI(context.Background(), &api.WhoAmIRequest{})
	require.Error(t, err)
	assert.Equal(t, signerr.KindMalformedResult, signerr.KindOf(err))
}
