/*
Package api defines the wire contract between the passkey client and the
custodial key-management service.

The service exposes four JSON endpoints:

  - ProvisioningPath: turns a WebAuthn attestation into a new sub-organization.
  - WhoAmIPath: resolves the credential that stamped the request to the
    sub-organization that registered it. There is no session token; the
    stamp is the identity proof.
  - GetPrivateKeyPath: returns the addresses registered for a custodial key.
  - SubmitPathPrefix + activity path: accepts a stamped ActivityRequest and
    returns the resulting Activity.

Errors are returned as ErrorResponse with a non-2xx status.

Subpackages:

  - kmsclient: HTTP client implementing KMSProvider.

HTTPServerConfig configures the development server in package devserver.
*/
package api
