// Package kmsclient implements api.KMSProvider over HTTP.
//
// Provisioning requests are sent as plain JSON. Every other request is
// stamped: the serialized body is handed to an interfaces.Stamper and the
// resulting stamp travels in a header next to the exact bytes it covers.
//
// All errors returned by the client are *signerr.Error values. Non-2xx
// responses are reported as transport failures whose message is the
// server's message verbatim and whose cause is a *ServerError.
package kmsclient
