package chat

import (
	"strings"

	"github.com/go-go-golems/pairchat/pkg/room"
)

// Identity is the local participant as supplied by the identity collaborator.
type Identity struct {
	UserID    string
	FirstName string
	LastName  string
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// ConversationID is the unordered pair of participants. The zero value is not
// a valid conversation.
type ConversationID struct {
	lo string
	hi string
}

// NewConversationID normalises the pair so that argument order does not matter.
func NewConversationID(userA, userB string) ConversationID {
	if userB < userA {
		userA, userB = userB, userA
	}
	return ConversationID{lo: userA, hi: userB}
}

// Room returns the server-side room of the pair.
func (c ConversationID) Room() room.ID { return room.IDFor(c.lo, c.hi) }

// Has reports whether userID is one of the two participants.
func (c ConversationID) Has(userID string) bool {
	return userID != "" && (userID == c.lo || userID == c.hi)
}

// Other returns the participant that is not userID.
func (c ConversationID) Other(userID string) string {
	if userID == c.lo {
		return c.hi
	}
	return c.lo
}

func (c ConversationID) IsZero() bool { return c.lo == "" && c.hi == "" }

func (c ConversationID) String() string { return c.lo + "<->" + c.hi }
