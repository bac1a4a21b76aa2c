// Package memo handles the transfer reason investors put on their ISK
// donation: formatting it at opt-in and parsing it back when matching
// wallet journal rows to participations.
package memo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported memo kinds.
const (
	KindCycle    = "CYCLE"
	KindRollover = "ROLLOVER"
)

var validKinds = map[string]bool{
	KindCycle:    true,
	KindRollover: true,
}

// TagLen is the number of hex characters kept from an identifier.
const TagLen = 8

// memoRegex matches: {kind}-{cycleTag}-{participantTag}
// Example: CYCLE-3f2a9c1d-77b0e4aa
var memoRegex = regexp.MustCompile(
	`^([A-Z]+)-([0-9a-f]{8})-([0-9a-f]{8})$`,
)

var (
	ErrInvalidMemo = errors.New("memo: invalid memo format")
	ErrInvalidKind = errors.New("memo: unsupported memo kind")
)

// Memo is a parsed participation memo.
type Memo struct {
	Raw            string `json:"raw"`
	Kind           string `json:"kind"`
	CycleTag       string `json:"cycle_tag"`
	ParticipantTag string `json:"participant_tag"`
}

// IsRollover reports whether the memo marks capital carried over from a
// previous cycle.
func (m *Memo) IsRollover() bool { return m.Kind == KindRollover }

// MatchesCycle reports whether the memo was issued for the given cycle id.
func (m *Memo) MatchesCycle(cycleID string) bool { return m.CycleTag == Tag(cycleID) }

// Parse parses and validates a memo. Surrounding whitespace and letter case
// are forgiven since investors type these by hand.
func Parse(s string) (*Memo, error) {
	norm := strings.TrimSpace(s)
	if i := strings.IndexByte(norm, '-'); i > 0 {
		norm = strings.ToUpper(norm[:i]) + strings.ToLower(norm[i:])
	}
	matches := memoRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {KIND}-{cycle}-{participant})", ErrInvalidMemo, s)
	}
	if !validKinds[matches[1]] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, matches[1])
	}
	return &Memo{
		Raw:            norm,
		Kind:           matches[1],
		CycleTag:       matches[2],
		ParticipantTag: matches[3],
	}, nil
}

// ForCycle returns the memo an investor uses when sending capital for a
// new participation.
func ForCycle(cycleID, participationID string) string {
	return fmt.Sprintf("%s-%s-%s", KindCycle, Tag(cycleID), Tag(participationID))
}

// ForRollover returns the memo of a participation created by rolling
// capital from sourceParticipationID into cycleID.
func ForRollover(cycleID, sourceParticipationID string) string {
	return fmt.Sprintf("%s-%s-%s", KindRollover, Tag(cycleID), Tag(sourceParticipationID))
}

// IsRollover reports whether s parses as a rollover memo.
func IsRollover(s string) bool {
	m, err := Parse(s)
	return err == nil && m.IsRollover()
}

// Tag shortens a UUID to its first TagLen hex digits.
func Tag(id string) string {
	hex := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(hex) > TagLen {
		hex = hex[:TagLen]
	}
	for len(hex) < TagLen {
		hex += "0"
	}
	return hex
}
