// Package signerr defines the single error type returned by every public
// operation of the client: bootstrap, login, activity submission and the
// signer adapter.
//
// An Error carries a Kind for programmatic handling, a human readable
// message, the underlying cause and, when known, the identifiers of the
// activity involved so that a failure can be matched against server-side
// audit logs.
package signerr

import (
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCeremonyCancelled: the user or device aborted the WebAuthn prompt,
	// or the ceremony timed out.
	KindCeremonyCancelled
	// KindStampingFailure: the request stamper was unavailable or refused.
	KindStampingFailure
	// KindTransportFailure: network or HTTP layer failure, including
	// structured rejections returned by an endpoint.
	KindTransportFailure
	KindIdentityCreation
	KindLookup
	// KindActivityRejected: the activity reached a terminal non-success
	// status.
	KindActivityRejected
	// KindActivityPending: the endpoint returned an activity that has not
	// reached a terminal status.
	KindActivityPending
	// KindMalformedResult: the server reported success without the
	// expected payload.
	KindMalformedResult
	KindUnsupportedOperation
	// KindInternal: a local step failed that involves neither the user, the
	// network nor the service, such as reading the system random source.
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindCeremonyCancelled:    "ceremony cancelled",
	KindStampingFailure:      "stamping failure",
	KindTransportFailure:     "transport failure",
	KindIdentityCreation:     "identity creation failed",
	KindLookup:               "lookup failed",
	KindActivityRejected:     "activity rejected",
	KindActivityPending:      "activity not terminal",
	KindMalformedResult:      "malformed result",
	KindUnsupportedOperation: "unsupported operation",
	KindInternal:             "internal failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ActivityRef identifies the activity a failure relates to. Any field may be
// empty when the failure happened before the server assigned it.
type ActivityRef struct {
	ID     string
	Status string
	Type   string
}

// Error is the structured failure returned by the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	ActivityID     string
	ActivityStatus string
	ActivityType   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	var refs []string
	if e.ActivityID != "" {
		refs = append(refs, "id="+e.ActivityID)
	}
	if e.ActivityType != "" {
		refs = append(refs, "type="+e.ActivityType)
	}
	if e.ActivityStatus != "" {
		refs = append(refs, "status="+e.ActivityStatus)
	}
	if len(refs) > 0 {
		b.WriteString(" (activity ")
		b.WriteString(strings.Join(refs, " "))
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Activity returns the activity identifiers attached to the error.
func (e *Error) Activity() ActivityRef {
	return ActivityRef{ID: e.ActivityID, Status: e.ActivityStatus, Type: e.ActivityType}
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to cause. A cause that already is an
// *Error is returned as is, so the innermost classification wins and callers
// see one shape regardless of the substep that failed.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	var typed *Error
	if errors.As(cause, &typed) {
		return typed
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithActivity fills in activity identifiers that are not yet set.
func (e *Error) WithActivity(ref ActivityRef) *Error {
	if e.ActivityID == "" {
		e.ActivityID = ref.ID
	}
	if e.ActivityStatus == "" {
		e.ActivityStatus = ref.Status
	}
	if e.ActivityType == "" {
		e.ActivityType = ref.Type
	}
	return e
}

// HasKind reports whether any *Error in err's chain has the given kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		var typed *Error
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Kind == kind {
			return true
		}
		err = typed.Cause
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}
