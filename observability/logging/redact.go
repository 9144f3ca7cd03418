package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret values in log output.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = []string{"passphrase", "private_key", "seed", "authorization", "token", "headers"}

// IsSensitive reports whether an attribute key names a secret. Keys match
// case-insensitively, either exactly or as a suffix such as
// "wallet_passphrase".
func IsSensitive(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, s := range sensitiveKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return true
		}
	}
	return false
}

func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// Abbreviate logs only the head and tail of long identifiers such as wallet
// addresses and coin public keys.
func Abbreviate(key, value string) slog.Attr {
	if len(value) <= 14 {
		return slog.String(key, value)
	}
	return slog.String(key, value[:8]+"…"+value[len(value)-4:])
}
