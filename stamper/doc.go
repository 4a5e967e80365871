// Package stamper produces and checks request stamps: credential-backed
// signatures over an outbound request body that prove the caller controls a
// credential registered with the key-management service.
//
// Two stampers are provided:
//   - WebAuthnStamper asks a platform authenticator for an assertion whose
//     challenge is the SHA-256 digest of the body. This is how an end user's
//     passkey authorizes every privileged request.
//   - APIKeyStamper signs the body digest with a P-256 API key, for
//     automation that has no authenticator.
//
// The Verify functions are the server-side counterparts; the development
// server uses them to resolve "who can stamp" into an organization.
package stamper
