package tonapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tonkeeper/tongo/ton"
)

// ErrInvalidAddress is returned for strings that are not TON account addresses
var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress accepts raw or user-friendly spellings and returns the raw
// "0:<hex>" form, so both spellings of one wallet compare equal.
func ParseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidAddress
	}

	id, err := ton.ParseAccountID(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return id.String(), nil
}

// RawToFriendly renders an address in bounceable user-friendly form. Input
// that does not parse is returned unchanged.
func RawToFriendly(raw string) string {
	id, err := ton.ParseAccountID(raw)
	if err != nil {
		return raw
	}
	return id.ToHuman(true, false)
}

// NormalizeAddress is ParseAddress that falls back to the input
func NormalizeAddress(addr string) string {
	if raw, err := ParseAddress(addr); err == nil {
		return raw
	}
	return addr
}

// ShortAddr keeps the first and last n characters for logs and chat messages
func ShortAddr(addr string, n int) string {
	switch {
	case addr == "":
		return "unknown"
	case len(addr) < n*2+3:
		return addr
	}
	return addr[:n] + "..." + addr[len(addr)-n:]
}
