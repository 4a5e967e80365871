// Package identity establishes and recovers the caller's sub-organization.
//
// A sub-organization is created once per passkey with Bootstrap. Afterwards
// the passkey itself is the identity: Login recovers the sub-organization id
// by sending a stamped whoami request, with no local storage and no session
// token involved.
package identity

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/api/kmsclient"
	"github.com/ruteri/passkey-kms-client/ceremony"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signerr"
)

// Bootstrapper registers new sub-organizations.
type Bootstrapper struct {
	ceremony    *ceremony.Ceremony
	provisioner api.ProvisioningProvider
	log         *slog.Logger
}

// NewBootstrapper creates a Bootstrapper running ceremonies with c and
// submitting attestations to provisioner.
func NewBootstrapper(c *ceremony.Ceremony, provisioner api.ProvisioningProvider, log *slog.Logger) *Bootstrapper {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bootstrapper{ceremony: c, provisioner: provisioner, log: log}
}

// Bootstrap creates a passkey labelled label and registers it as the root
// credential of a new sub-organization. Every call creates a distinct
// sub-organization. A rejected attestation is not retried: its challenge is
// spent.
func (b *Bootstrapper) Bootstrap(ctx context.Context, label string) (interfaces.OrganizationID, error) {
	if strings.TrimSpace(label) == "" {
		return "", signerr.New(signerr.KindIdentityCreation, "organization label must not be empty")
	}

	result, err := b.ceremony.Create(ctx, label)
	if err != nil {
		return "", err
	}

	resp, err := b.provisioner.CreateSubOrganization(ctx, &api.CreateSubOrganizationRequest{
		SubOrganizationName: label,
		Challenge:           result.Challenge,
		Attestation:         *result.Attestation,
	})
	if err != nil {
		if serverErr, ok := kmsclient.AsServerError(err); ok {
			return "", &signerr.Error{Kind: signerr.KindIdentityCreation, Message: serverErr.Message, Cause: err}
		}
		return "", signerr.Wrap(err, signerr.KindIdentityCreation, "could not create sub-organization")
	}
	if resp.OrganizationID == "" {
		return "", signerr.New(signerr.KindIdentityCreation, "provisioning response did not include an organization id")
	}

	b.log.Info("sub-organization created", "organizationId", resp.OrganizationID, "label", label)
	return resp.OrganizationID, nil
}

// Resolver recovers the sub-organization owning the ambient passkey.
type Resolver struct {
	parent   interfaces.OrganizationID
	identity api.IdentityProvider
	log      *slog.Logger
}

// NewResolver creates a Resolver scoped to the well-known parent
// organization. identity must stamp its requests.
func NewResolver(parent interfaces.OrganizationID, identity api.IdentityProvider, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{parent: parent, identity: identity, log: log}
}

// Login returns the id of the sub-organization that registered the
// credential stamping the request. It never creates a credential.
func (r *Resolver) Login(ctx context.Context) (interfaces.OrganizationID, error) {
	resp, err := r.identity.WhoAmI(ctx, &api.WhoAmIRequest{OrganizationID: r.parent})
	if err != nil {
		msg := "could not resolve organization for credential"
		if serverErr, ok := kmsclient.AsServerError(err); ok {
			msg = serverErr.Message
		}
		return "", &signerr.Error{Kind: signerr.KindLookup, Message: msg, Cause: err}
	}
	if resp.OrganizationID == "" {
		return "", signerr.New(signerr.KindLookup, "whoami response did not include an organization id")
	}

	r.log.Debug("resolved organization", "organizationId", resp.OrganizationID, "userId", resp.UserID)
	return resp.OrganizationID, nil
}
