package protocol

import (
	"fmt"
	"strings"
)

// ParseRecipient parses user-facing addressing: "#room" targets a room,
// "@nickname" targets a user.
func ParseRecipient(s string) (Recipient, error) {
	if len(s) < 2 {
		return Recipient{}, fmt.Errorf("room or nickname must be at least one character long: %q", s)
	}
	if name, ok := strings.CutPrefix(s, "#"); ok {
		return RoomRecipient(name), nil
	}
	if name, ok := strings.CutPrefix(s, "@"); ok {
		return UserRecipient(name), nil
	}
	return Recipient{}, fmt.Errorf("unrecognized recipient: %q", s)
}

// String returns the "#room" or "@nickname" form accepted by ParseRecipient
func (rc Recipient) String() string {
	switch rc.Kind {
	case RecipientRoom:
		return "#" + rc.Name
	case RecipientUser:
		return "@" + rc.Name
	default:
		return rc.Name
	}
}
