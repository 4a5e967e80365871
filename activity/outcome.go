package activity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/passkey-kms-client/interfaces"
)

// Outcome is the classified state of an activity: Pending, Completed or
// Rejected.
type Outcome interface {
	outcome()
}

// Pending is an activity that has not reached a terminal status. The
// synchronous endpoints return resolved activities, so submitting never
// waits on it; a polling loop can.
type Pending struct {
	Status interfaces.ActivityStatus
}

// Completed carries the payload of the result field matching the activity
// type.
type Completed struct {
	Payload json.RawMessage
}

// Rejected is a terminal non-success status.
type Rejected struct {
	Status  interfaces.ActivityStatus
	Failure *interfaces.ActivityFailure
}

func (Pending) outcome()   {}
func (Completed) outcome() {}
func (Rejected) outcome()  {}

// Classify maps an activity to its outcome. A completed activity whose
// result lacks the field for its type, and a status outside the known enum,
// are protocol violations and return an error.
func Classify(a *interfaces.Activity, intentType interfaces.ActivityType) (Outcome, error) {
	switch a.Status.Class() {
	case interfaces.StatusClassPending:
		return Pending{Status: a.Status}, nil
	case interfaces.StatusClassFailed:
		return Rejected{Status: a.Status, Failure: a.Failure}, nil
	case interfaces.StatusClassCompleted:
		field := intentType.ResultField()
		payload, ok := a.Result[field]
		if !ok || len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
			return nil, fmt.Errorf("completed activity result has no %q field", field)
		}
		return Completed{Payload: payload}, nil
	default:
		return nil, fmt.Errorf("unknown activity status %q", a.Status)
	}
}
