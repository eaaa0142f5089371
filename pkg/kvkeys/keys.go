// Package kvkeys defines the Redis key schema used by the relay for
// pairing-code TTLs and rate limiting.
package kvkeys

import "strings"

// PairingCode keys the short-lived device-pairing code issued by the relay.
func PairingCode(code string) string { return "pairing:code:" + code }

// DeviceSession keys the relay's record of a device's live tunnel session,
// used to detect a stale registration versus an actively connected origin.
func DeviceSession(deviceID string) string { return "device:session:" + deviceID }

// LoginAttempts rate-limits pairing attempts per client IP.
func LoginAttempts(ip string) string {
	return "ratelimit:pair:" + strings.ReplaceAll(ip, ":", "_")
}

// MobileToken keys an issued mobile bearer token for liveness checks,
// allowing a token to be revoked before its JWT expiry.
func MobileToken(tokenID string) string { return "mobile:token:" + tokenID }
