package rooms

import (
	"fmt"
	"strings"
)

// DefaultCapacity is the number of undelivered events a subscriber may
// accumulate before the overflow policy applies
const DefaultCapacity = 32

// OverflowPolicy decides what happens to a subscriber whose buffer is full.
// Either way the loss is confined to that one subscriber.
type OverflowPolicy int

const (
	// OverflowEvict tears the subscription down; remaining members see UserLeft
	OverflowEvict OverflowPolicy = iota
	// OverflowDrop discards the event for the lagging subscriber only
	OverflowDrop
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowEvict:
		return "evict"
	case OverflowDrop:
		return "drop"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy parses "evict" or "drop"
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evict":
		return OverflowEvict, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want \"evict\" or \"drop\")", s)
	}
}
