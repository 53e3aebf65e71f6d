// Package util provides small helpers shared across FlowPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random lowercase hexadecimal string of the specified length.
// It is not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateTicketID returns a support ticket reference such as "TKT-3F9A0C1B".
func GenerateTicketID() string {
	return "TKT-" + strings.ToUpper(GenerateRandomHex(8))
}

// GenerateMessageID returns an identifier for inbound messages that arrive without one.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 24)
}
