// Package auth verifies the caller triple (identity, role, credential) presented by
// HTTP requests and realtime handshakes. Credentials are stateless HMAC signatures,
// re-verified on every request and every connection attempt.
package auth
