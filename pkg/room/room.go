// Package room derives the identity of the broadcast group shared by the two
// participants of a direct conversation.
//
// Both sides compute the same ID without a negotiation round-trip: the pair is
// sorted, each user ID is length-prefixed (so no choice of raw IDs can make two
// different pairs encode to the same byte string) and the encoding is hashed
// into a fixed-size, URL-safe key.
package room

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ID identifies a server-side room.
type ID string

const prefix = "dm:"

var ErrEmptyUserID = errors.New("room: user id is empty")

func (id ID) String() string { return string(id) }

// IDFor returns the room shared by userA and userB. It is pure and
// order-independent: IDFor(a, b) == IDFor(b, a).
func IDFor(userA, userB string) ID {
	lo, hi := userA, userB
	if hi < lo {
		lo, hi = hi, lo
	}
	var b strings.Builder
	b.Grow(len(lo) + len(hi) + 24)
	writeLengthPrefixed(&b, lo)
	b.WriteByte(0)
	writeLengthPrefixed(&b, hi)

	sum := sha256.Sum256([]byte(b.String()))
	return ID(prefix + hex.EncodeToString(sum[:16]))
}

// For validates both user IDs before deriving the room.
func For(userA, userB string) (ID, error) {
	if err := Validate(userA); err != nil {
		return "", err
	}
	if err := Validate(userB); err != nil {
		return "", err
	}
	return IDFor(userA, userB), nil
}

// Validate rejects IDs that cannot take part in a room.
func Validate(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return nil
}

// IsRoomID reports whether s has the shape produced by IDFor.
func IsRoomID(s string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	rest := s[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

func writeLengthPrefixed(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
