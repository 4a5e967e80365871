package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/api/kmsclient"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSubmitter(provider api.ActivityProvider) *Submitter {
	s := NewSubmitter(provider, nil)
	s.Now = func() time.Time { return time.UnixMilli(1700000000123) }
	s.NewRequestID = func() string { return "req-1" }
	return s
}

func completed(intent interfaces.ActivityType, payload string) *interfaces.Activity {
	return &interfaces.Activity{
		ID:     "act-1",
		Type:   intent,
		Status: interfaces.ActivityStatusCompleted,
		Result: map[string]json.RawMessage{intent.ResultField(): json.RawMessage(payload)},
	}
}

func TestSubmitBuildsEnvelope(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.MatchedBy(func(req *api.ActivityRequest) bool {
		return req.Type == interfaces.ActivityTypeSignTransaction &&
			req.OrganizationID == "org_1" &&
			req.RequestID == "req-1" &&
			req.TimestampMs == "1700000000123" &&
			string(req.Parameters) == `{"signWith":"key-1","unsignedTransaction":"ab","type":"TRANSACTION_TYPE_ETHEREUM"}`
	})).Return(completed(interfaces.ActivityTypeSignTransaction, `{"signedTransaction":"cd"}`), nil)

	res, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", api.SignTransactionParams{
		SignWith:            "key-1",
		UnsignedTransaction: "ab",
		Type:                api.TransactionTypeEthereum,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"signedTransaction":"cd"}`, string(res.Payload))
	provider.AssertExpectations(t)
}

func TestSubmitUsesFreshRequestIDs(t *testing.T) {
	var ids []string
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ids = append(ids, args.Get(1).(*api.ActivityRequest).RequestID)
	}).Return(completed(interfaces.ActivityTypeSignTransaction, `{"signedTransaction":"cd"}`), nil)

	s := NewSubmitter(provider, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
		require.NoError(t, err)
	}
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestSubmitCompletedWithoutMatchingField(t *testing.T) {
	cases := map[string]map[string]json.RawMessage{
		"nil result":   nil,
		"empty result": {},
		"other field":  {interfaces.ActivityTypeCreatePrivateKeys.ResultField(): json.RawMessage(`{"privateKeys":[]}`)},
		"null field":   {interfaces.ActivityTypeSignTransaction.ResultField(): json.RawMessage(`null`)},
	}

	for name, result := range cases {
		t.Run(name, func(t *testing.T) {
			provider := new(kmsclient.MockKMSProvider)
			provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(&interfaces.Activity{
				ID:     "act-7",
				Type:   interfaces.ActivityTypeSignTransaction,
				Status: interfaces.ActivityStatusCompleted,
				Result: result,
			}, nil)

			res, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
			assert.Nil(t, res)
			require.Error(t, err)

			var typed *signerr.Error
			require.True(t, errors.As(err, &typed))
			assert.Equal(t, signerr.KindMalformedResult, typed.Kind)
			assert.Equal(t, "act-7", typed.ActivityID)
		})
	}
}

func TestSubmitTerminalFailures(t *testing.T) {
	for _, status := range []interfaces.ActivityStatus{
		interfaces.ActivityStatusFailed,
		interfaces.ActivityStatusRejected,
		interfaces.ActivityStatusConsensusNeeded,
	} {
		t.Run(string(status), func(t *testing.T) {
			provider := new(kmsclient.MockKMSProvider)
			provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(&interfaces.Activity{
				ID:      "act-9",
				Type:    interfaces.ActivityTypeCreatePrivateKeys,
				Status:  status,
				Failure: &interfaces.ActivityFailure{Code: 7, Message: "policy denied"},
			}, nil)

			_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeCreatePrivateKeys, "org_1", struct{}{})
			require.Error(t, err)

			var typed *signerr.Error
			require.True(t, errors.As(err, &typed))
			assert.Equal(t, signerr.KindActivityRejected, typed.Kind)
			assert.Equal(t, "act-9", typed.ActivityID)
			assert.Equal(t, string(status), typed.ActivityStatus)
			assert.Equal(t, string(interfaces.ActivityTypeCreatePrivateKeys), typed.ActivityType)
			assert.Equal(t, "policy denied", typed.Message)
		})
	}
}

func TestSubmitPendingStatus(t *testing.T) {
	for _, status := range []interfaces.ActivityStatus{interfaces.ActivityStatusCreated, interfaces.ActivityStatusPending} {
		provider := new(kmsclient.MockKMSProvider)
		provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(&interfaces.Activity{
			ID:     "act-3",
			Type:   interfaces.ActivityTypeSignTransaction,
			Status: status,
		}, nil)

		_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
		var typed *signerr.Error
		require.True(t, errors.As(err, &typed))
		assert.Equal(t, signerr.KindActivityPending, typed.Kind)
		assert.Equal(t, string(status), typed.ActivityStatus)
	}
}

func TestSubmitUnknownStatus(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(&interfaces.Activity{
		ID:     "act-4",
		Status: "ACTIVITY_STATUS_SOMETHING_NEW",
	}, nil)

	_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
	assert.Equal(t, signerr.KindMalformedResult, signerr.KindOf(err))
}

func TestSubmitWrapsProviderErrors(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

	_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindTransportFailure, typed.Kind)
	assert.Equal(t, string(interfaces.ActivityTypeSignTransaction), typed.ActivityType)
	assert.EqualError(t, typed.Cause, "boom")
	provider.AssertNumberOfCalls(t, "SubmitActivity", 1)
}

func TestSubmitKeepsStampingFailure(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(nil, signerr.New(signerr.KindStampingFailure, "user aborted"))

	_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindStampingFailure, typed.Kind)
	assert.Equal(t, string(interfaces.ActivityTypeSignTransaction), typed.ActivityType)
}

func TestSubmitUnencodableParams(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", make(chan int))
	var typed *signerr.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, signerr.KindUnsupportedOperation, typed.Kind)
	assert.Equal(t, string(interfaces.ActivityTypeSignTransaction), typed.ActivityType)
	provider.AssertNotCalled(t, "SubmitActivity", mock.Anything, mock.Anything)
}

func TestSubmitTypeMismatch(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(completed(interfaces.ActivityTypeCreatePrivateKeys, `{"privateKeys":[]}`), nil)

	_, err := newTestSubmitter(provider).Submit(context.Background(), interfaces.ActivityTypeSignTransaction, "org_1", struct{}{})
	assert.Equal(t, signerr.KindMalformedResult, signerr.KindOf(err))
}

func TestCreatePrivateKeys(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(completed(interfaces.ActivityTypeCreatePrivateKeys,
		`{"privateKeys":[{"privateKeyId":"key-1","addresses":[{"format":"ADDRESS_FORMAT_ETHEREUM","address":"0xabc"}]}]}`), nil)

	out, err := newTestSubmitter(provider).CreatePrivateKeys(context.Background(), "org_1", []api.PrivateKeyParams{{
		PrivateKeyName: "main",
		Curve:          api.CurveSecp256k1,
		AddressFormats: []interfaces.AddressFormat{interfaces.AddressFormatEthereum},
	}})
	require.NoError(t, err)
	require.Len(t, out.PrivateKeys, 1)
	assert.Equal(t, interfaces.KeyID("key-1"), out.PrivateKeys[0].PrivateKeyID)
}

func TestCreatePrivateKeysCountMismatch(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(completed(interfaces.ActivityTypeCreatePrivateKeys, `{"privateKeys":[]}`), nil)

	_, err := newTestSubmitter(provider).CreatePrivateKeys(context.Background(), "org_1", []api.PrivateKeyParams{{PrivateKeyName: "main"}})
	var typed *signerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, signerr.KindMalformedResult, typed.Kind)
	assert.Equal(t, "act-1", typed.ActivityID)
}

func TestSignTransactionEmptyResult(t *testing.T) {
	provider := new(kmsclient.MockKMSProvider)
	provider.On("SubmitActivity", mock.Anything, mock.Anything).Return(completed(interfaces.ActivityTypeSignTransaction, `{"signedTransaction":""}`), nil)

	_, err := newTestSubmitter(provider).SignTransaction(context.Background(), "org_1", "key-1", "ab")
	assert.Equal(t, signerr.KindMalformedResult, signerr.KindOf(err))
}

func TestClassify(t *testing.T) {
	outcome, err := Classify(&interfaces.Activity{Status: interfaces.ActivityStatusPending}, interfaces.ActivityTypeSignTransaction)
	require.NoError(t, err)
	assert.Equal(t, Pending{Status: interfaces.ActivityStatusPending}, outcome)

	outcome, err = Classify(&interfaces.Activity{Status: interfaces.ActivityStatusFailed}, interfaces.ActivityTypeSignTransaction)
	require.NoError(t, err)
	assert.IsType(t, Rejected{}, outcome)

	outcome, err = Classify(completed(interfaces.ActivityTypeSignTransaction, `{"signedTransaction":"ab"}`), interfaces.ActivityTypeSignTransaction)
	require.NoError(t, err)
	assert.IsType(t, Completed{}, outcome)
}
