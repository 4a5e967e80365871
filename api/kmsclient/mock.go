package kmsclient

import (
	"context"

	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockKMSProvider implements api.KMSProvider for testing.
type MockKMSProvider struct {
	mock.Mock
}

func (m *MockKMSProvider) CreateSubOrganization(ctx context.Context, req *api.CreateSubOrganizationRequest) (*api.CreateSubOrganizationResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*api.CreateSubOrganizationResponse)
	return resp, args.Error(1)
}

func (m *MockKMSProvider) WhoAmI(ctx context.Context, req *api.WhoAmIRequest) (*api.WhoAmIResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*api.WhoAmIResponse)
	return resp, args.Error(1)
}

func (m *MockKMSProvider) SubmitActivity(ctx context.Context, req *api.ActivityRequest) (*interfaces.Activity, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*interfaces.Activity)
	return resp, args.Error(1)
}

func (m *MockKMSProvider) GetPrivateKey(ctx context.Context, req *api.GetPrivateKeyRequest) (*api.GetPrivateKeyResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*api.GetPrivateKeyResponse)
	return resp, args.Error(1)
}
