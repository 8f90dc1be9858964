// Package token provides the bearer credential used by the chat client.
//
// It is the single source of truth for credential hygiene:
// - Clean/Validate normalize a raw token and enforce the three-part JWT shape.
// - Stores (memory, file) hand out validated tokens and drop malformed ones.
// - Subject decodes the numeric user id from the "sub" claim without verifying
//   the signature; the chat server is the verifier.
//
// Tokens are never logged. Use Fingerprint for correlation in logs.
package token
