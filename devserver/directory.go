package devserver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/ruteri/passkey-kms-client/interfaces"
)

// ChallengeTTL is how long a spent provisioning challenge is remembered.
const ChallengeTTL = 10 * time.Minute

var (
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrChallengeSpent      = errors.New("challenge already used")
	ErrUnknownCredential   = errors.New("unknown credential")
	ErrReplayedStamp       = errors.New("passkey signature counter did not increase")
)

// Organization is one tenant of the emulated service.
type Organization struct {
	ID   interfaces.OrganizationID
	Name string
	User User
}

// User owns the credentials allowed to stamp for an organization.
type User struct {
	ID   string
	Name string
}

type passkey struct {
	org       interfaces.OrganizationID
	publicKey []byte
	signCount uint32
}

// Directory keeps organizations, their credentials and the set of spent
// provisioning challenges.
type Directory struct {
	parent Organization

	mu       sync.RWMutex
	orgs     map[interfaces.OrganizationID]*Organization
	passkeys map[string]*passkey
	apiKeys  map[string]interfaces.OrganizationID

	spent *cache.Cache
}

// NewDirectory creates a directory holding only the parent organization.
func NewDirectory(parentID interfaces.OrganizationID, parentName string) *Directory {
	parent := Organization{ID: parentID, Name: parentName, User: User{ID: uuid.NewString(), Name: "root"}}
	return &Directory{
		parent:   parent,
		orgs:     map[interfaces.OrganizationID]*Organization{parentID: &parent},
		passkeys: make(map[string]*passkey),
		apiKeys:  make(map[string]interfaces.OrganizationID),
		spent:    cache.New(ChallengeTTL, 2*ChallengeTTL),
	}
}

// Parent returns the parent organization.
func (d *Directory) Parent() Organization {
	return d.parent
}

// SpendChallenge marks a provisioning challenge as used. Presenting the
// same challenge again within ChallengeTTL fails.
func (d *Directory) SpendChallenge(challenge []byte) error {
	if err := d.spent.Add(hex.EncodeToString(challenge), struct{}{}, cache.DefaultExpiration); err != nil {
		return ErrChallengeSpent
	}
	return nil
}

// CreateSubOrganization registers a sub-organization whose only user owns
// the given passkey.
func (d *Directory) CreateSubOrganization(name string, credentialID, publicKey []byte) (*Organization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	credKey := hex.EncodeToString(credentialID)
	if _, exists := d.passkeys[credKey]; exists {
		return nil, ErrDuplicateCredential
	}

	org := &Organization{
		ID:   interfaces.OrganizationID(uuid.NewString()),
		Name: name,
		User: User{ID: uuid.NewString(), Name: name},
	}
	d.orgs[org.ID] = org
	d.passkeys[credKey] = &passkey{org: org.ID, publicKey: append([]byte(nil), publicKey...)}
	return org, nil
}

// AddAPIKey authorizes a compressed P-256 public key to stamp for org.
func (d *Directory) AddAPIKey(org interfaces.OrganizationID, publicKeyHex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.orgs[org]; !ok {
		return fmt.Errorf("unknown organization %s", org)
	}
	d.apiKeys[publicKeyHex] = org
	return nil
}

// Organization returns the organization with the given id.
func (d *Directory) Organization(id interfaces.OrganizationID) (*Organization, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	org, ok := d.orgs[id]
	return org, ok
}

// PasskeyPublicKey returns the COSE key of a registered passkey.
func (d *Directory) PasskeyPublicKey(credentialID []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pk, ok := d.passkeys[hex.EncodeToString(credentialID)]
	if !ok {
		return nil, ErrUnknownCredential
	}
	return pk.publicKey, nil
}

// RecordSignCount accepts the signature counter of a verified passkey stamp.
// The counter must exceed the last accepted one, unless the authenticator
// keeps no counter and both are zero.
func (d *Directory) RecordSignCount(credentialID []byte, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pk, ok := d.passkeys[hex.EncodeToString(credentialID)]
	if !ok {
		return ErrUnknownCredential
	}
	if count == 0 && pk.signCount == 0 {
		return nil
	}
	if count <= pk.signCount {
		return ErrReplayedStamp
	}
	pk.signCount = count
	return nil
}

// PasskeyOwner returns the organization a passkey belongs to.
func (d *Directory) PasskeyOwner(credentialID []byte) (*Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pk, ok := d.passkeys[hex.EncodeToString(credentialID)]
	if !ok {
		return nil, ErrUnknownCredential
	}
	return d.orgs[pk.org], nil
}

// APIKeyOwner returns the organization an API key belongs to.
func (d *Directory) APIKeyOwner(publicKeyHex string) (*Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.apiKeys[publicKeyHex]
	if !ok {
		return nil, ErrUnknownCredential
	}
	return d.orgs[id], nil
}
