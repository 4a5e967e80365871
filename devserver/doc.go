// Package devserver emulates the custodial key-management service for local
// development and tests.
//
// The emulator keeps organizations and credentials in memory and derives
// custodial secp256k1 keys from a master key:
//
//   - POST /api/v1/sub-organizations registers a sub-organization from a
//     passkey attestation ("none" format, ES256 only). Provisioning
//     challenges are single-use.
//   - Every other endpoint requires a stamp, either a passkey assertion over
//     the SHA-256 of the body (X-Stamp-WebAuthn) or a P-256 API key
//     signature (X-Stamp). The stamping credential decides which
//     organization the caller acts for.
//   - Activities complete synchronously. Execution errors, such as signing
//     with an unknown key, produce an ACTIVITY_STATUS_FAILED activity.
//
// The server also exposes /livez, /readyz, /drain and /undrain, and pprof
// when enabled.
package devserver
