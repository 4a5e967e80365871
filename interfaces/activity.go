package interfaces

import "encoding/json"

// OrganizationID is the opaque handle of a (sub-)organization. Every
// privileged operation is scoped to one.
type OrganizationID string

func (id OrganizationID) String() string { return string(id) }

// KeyID identifies a custodial private key inside an organization.
type KeyID string

func (id KeyID) String() string { return string(id) }

// ActivityType identifies the kind of privileged intent an activity carries.
type ActivityType string

const (
	ActivityTypeCreatePrivateKeys ActivityType = "ACTIVITY_TYPE_CREATE_PRIVATE_KEYS_V2"
	ActivityTypeSignTransaction   ActivityType = "ACTIVITY_TYPE_SIGN_TRANSACTION_V2"
)

var activityTypeInfo = map[ActivityType]struct {
	resultField string
	path        string
}{
	ActivityTypeCreatePrivateKeys: {resultField: "createPrivateKeysResultV2", path: "create_private_keys"},
	ActivityTypeSignTransaction:   {resultField: "signTransactionResult", path: "sign_transaction"},
}

// ResultField returns the name of the field in an activity result that holds
// the payload for this activity type. The result of a completed activity is a
// union keyed by this name.
func (t ActivityType) ResultField() string {
	return activityTypeInfo[t].resultField
}

// Path returns the submit endpoint suffix for the activity type.
func (t ActivityType) Path() string {
	return activityTypeInfo[t].path
}

// Known reports whether the type is one this module can submit.
func (t ActivityType) Known() bool {
	_, ok := activityTypeInfo[t]
	return ok
}

// ActivityTypeFromPath maps a submit endpoint suffix back to its activity type.
func ActivityTypeFromPath(path string) (ActivityType, bool) {
	for t, info := range activityTypeInfo {
		if info.path == path {
			return t, true
		}
	}
	return "", false
}

// ActivityStatus is the server-reported state of an activity.
type ActivityStatus string

const (
	ActivityStatusCreated         ActivityStatus = "ACTIVITY_STATUS_CREATED"
	ActivityStatusPending         ActivityStatus = "ACTIVITY_STATUS_PENDING"
	ActivityStatusCompleted       ActivityStatus = "ACTIVITY_STATUS_COMPLETED"
	ActivityStatusFailed          ActivityStatus = "ACTIVITY_STATUS_FAILED"
	ActivityStatusConsensusNeeded ActivityStatus = "ACTIVITY_STATUS_CONSENSUS_NEEDED"
	ActivityStatusRejected        ActivityStatus = "ACTIVITY_STATUS_REJECTED"
)

// StatusClass buckets activity statuses.
type StatusClass int

const (
	StatusClassUnknown StatusClass = iota
	StatusClassPending
	StatusClassCompleted
	StatusClassFailed
)

// Class returns the bucket the status belongs to. Consensus-needed is a
// terminal failure for a single caller: nobody else will approve the
// activity on its behalf.
func (s ActivityStatus) Class() StatusClass {
	switch s {
	case ActivityStatusCreated, ActivityStatusPending:
		return StatusClassPending
	case ActivityStatusCompleted:
		return StatusClassCompleted
	case ActivityStatusFailed, ActivityStatusConsensusNeeded, ActivityStatusRejected:
		return StatusClassFailed
	default:
		return StatusClassUnknown
	}
}

// Terminal reports whether no further transitions are expected.
func (s ActivityStatus) Terminal() bool {
	c := s.Class()
	return c == StatusClassCompleted || c == StatusClassFailed
}

// ActivityFailure carries the server's explanation for a failed activity.
type ActivityFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Activity is the unit of privileged work submitted to the key-management
// service. Result is only populated once Status is completed; it maps a
// per-type result field name to that type's payload.
type Activity struct {
	ID             string                     `json:"id"`
	OrganizationID OrganizationID             `json:"organizationId"`
	Type           ActivityType               `json:"type"`
	Status         ActivityStatus             `json:"status"`
	Result         map[string]json.RawMessage `json:"result,omitempty"`
	Failure        *ActivityFailure           `json:"failure,omitempty"`
	CreatedAt      string                     `json:"createdAt,omitempty"`
}

// AddressFormat names the encoding of an address derived from a key.
type AddressFormat string

const (
	AddressFormatEthereum   AddressFormat = "ADDRESS_FORMAT_ETHEREUM"
	AddressFormatCompressed AddressFormat = "ADDRESS_FORMAT_COMPRESSED"
)

// KeyAddress is one encoding of a key's public identity.
type KeyAddress struct {
	Format  AddressFormat `json:"format"`
	Address string        `json:"address"`
}
