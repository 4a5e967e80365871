// Package activity submits privileged intents to the key-management service
// and resolves the resulting activity to a payload or a typed failure.
//
// Every call builds a fresh envelope with a new request id and timestamp,
// stamps it, submits it once, and inspects the returned status. Nothing is
// retried: a failed activity may already have had effects server side.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

// Result is a completed activity and the payload of its result field.
type Result struct {
	Activity *interfaces.Activity
	Payload  json.RawMessage
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Submitter submits activities through an api.ActivityProvider, which is
// responsible for stamping.
type Submitter struct {
	provider api.ActivityProvider
	log      *slog.Logger

	// Now and NewRequestID are overridable for tests.
	Now          func() time.Time
	NewRequestID func() string
}

// NewSubmitter creates a Submitter.
func NewSubmitter(provider api.ActivityProvider, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Submitter{
		provider:     provider,
		log:          log,
		Now:          time.Now,
		NewRequestID: uuid.NewString,
	}
}

// Submit sends one intentType activity with params in orgID and returns its
// result payload. Failures are always *signerr.Error carrying the activity
// type and, once assigned, the activity id and status.
func (s *Submitter) Submit(ctx context.Context, intentType interfaces.ActivityType, orgID interfaces.OrganizationID, params any) (*Result, error) {
	ref := signerr.ActivityRef{Type: string(intentType)}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, signerr.Wrap(fmt.Errorf("could not encode parameters: %w", err), signerr.KindUnsupportedOperation, "could not build activity").WithActivity(ref)
	}

	req := &api.ActivityRequest{
		Type:           intentType,
		RequestID:      s.NewRequestID(),
		TimestampMs:    strconv.FormatInt(s.Now().UnixMilli(), 10),
		OrganizationID: orgID,
		Parameters:     encoded,
	}

	log := s.log.With("type", intentType, "organizationId", orgID, "requestId", req.RequestID)

	activity, err := s.provider.SubmitActivity(ctx, req)
	if err != nil {
		log.Debug("activity submission failed", "err", err)
		return nil, signerr.Wrap(err, signerr.KindTransportFailure, "could not submit activity").WithActivity(ref)
	}
	if activity == nil {
		return nil, signerr.New(signerr.KindMalformedResult, "service returned no activity").WithActivity(ref)
	}

	ref.ID = activity.ID
	ref.Status = string(activity.Status)
	log = log.With("activityId", activity.ID, "status", activity.Status)

	if activity.Type != "" && activity.Type != intentType {
		return nil, signerr.New(signerr.KindMalformedResult, fmt.Sprintf("service returned a %s activity", activity.Type)).WithActivity(ref)
	}

	outcome, err := Classify(activity, intentType)
	if err != nil {
		log.Warn("malformed activity", "err", err)
		return nil, signerr.Wrap(err, signerr.KindMalformedResult, "service reported an unusable activity").WithActivity(ref)
	}

	switch o := outcome.(type) {
	case Completed:
		log.Debug("activity completed")
		return &Result{Activity: activity, Payload: o.Payload}, nil
	case Rejected:
		msg := "activity was not approved"
		if o.Failure != nil && o.Failure.Message != "" {
			msg = o.Failure.Message
		}
		log.Info("activity rejected", "reason", msg)
		return nil, signerr.New(signerr.KindActivityRejected, msg).WithActivity(ref)
	case Pending:
		log.Info("activity did not reach a terminal status")
		return nil, signerr.New(signerr.KindActivityPending, "activity has not completed").WithActivity(ref)
	default:
		return nil, signerr.New(signerr.KindMalformedResult, fmt.Sprintf("unhandled outcome %T", outcome)).WithActivity(ref)
	}
}

// CreatePrivateKeys creates custodial keys in orgID.
func (s *Submitter) CreatePrivateKeys(ctx context.Context, orgID interfaces.OrganizationID, keys []api.PrivateKeyParams) (*api.CreatePrivateKeysResult, error) {
	res, err := s.Submit(ctx, interfaces.ActivityTypeCreatePrivateKeys, orgID, api.CreatePrivateKeysParams{PrivateKeys: keys})
	if err != nil {
		return nil, err
	}

	var out api.CreatePrivateKeysResult
	if err := res.Decode(&out); err != nil {
		return nil, malformed(res, "could not decode create keys result", err)
	}
	if len(out.PrivateKeys) != len(keys) {
		return nil, malformed(res, fmt.Sprintf("requested %d keys, service created %d", len(keys), len(out.PrivateKeys)), nil)
	}
	return &out, nil
}

// SignTransaction asks the service to sign an unsigned transaction, given as
// canonical hex without prefix, with keyID. The signed transaction is
// returned as the service encodes it.
func (s *Submitter) SignTransaction(ctx context.Context, orgID interfaces.OrganizationID, keyID interfaces.KeyID, unsignedHex string) (string, error) {
	res, err := s.Submit(ctx, interfaces.ActivityTypeSignTransaction, orgID, api.SignTransactionParams{
		SignWith:            keyID,
		UnsignedTransaction: unsignedHex,
		Type:                api.TransactionTypeEthereum,
	})
	if err != nil {
		return "", err
	}

	var out api.SignTransactionResult
	if err := res.Decode(&out); err != nil {
		return "", malformed(res, "could not decode sign transaction result", err)
	}
	if out.SignedTransaction == "" {
		return "", malformed(res, "sign transaction result has no signed transaction", nil)
	}
	return out.SignedTransaction, nil
}

func malformed(res *Result, msg string, cause error) error {
	return (&signerr.Error{Kind: signerr.KindMalformedResult, Message: msg, Cause: cause}).WithActivity(signerr.ActivityRef{
		ID:     res.Activity.ID,
		Status: string(res.Activity.Status),
		Type:   string(res.Activity.Type),
	})
}
