// Package interfaces defines the types shared by the client packages and the
// development server, separating definitions from implementations.
//
// # Domain types
//
// OrganizationID and KeyID name the tenant and the custodial key every
// privileged operation is scoped to. Activity is the server's record of one
// submitted intent; its ActivityStatus decides whether a result can be read
// (ActivityStatus.Class).
//
// # Authenticators and stampers
//
// Authenticator abstracts the platform passkey provider: MakeCredential for
// registration and GetAssertion for signing challenges. Stamper turns a
// request body into a signed header; the body is covered byte for byte, so
// the exact bytes stamped must be the bytes sent.
package interfaces
