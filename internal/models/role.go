package models

import "strings"

// Role is an identity's role within a live session.
type Role string

const (
	RoleParticipant Role = "Participant"
	RoleObserver    Role = "Observer"
	RoleModerator   Role = "Moderator"
	RoleAdmin       Role = "Admin"
)

// ParseRole accepts a role name case-insensitively. Unknown names return false.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "participant":
		return RoleParticipant, true
	case "observer":
		return RoleObserver, true
	case "moderator":
		return RoleModerator, true
	case "admin":
		return RoleAdmin, true
	}
	return "", false
}

// IsModerator reports whether the role may run the session (Moderator or Admin).
func (r Role) IsModerator() bool {
	return r == RoleModerator || r == RoleAdmin
}

// Family is the waiting-list/roster pair an entry belongs to.
type Family string

const (
	FamilyParticipant Family = "participant"
	FamilyObserver    Family = "observer"
)

// ListKind distinguishes a waiting list from the roster of the same family.
type ListKind string

const (
	ListWaiting ListKind = "waiting"
	ListRoster  ListKind = "roster"
)

// FamilyFor returns the family a role queues in. Moderators have none; they go straight to both rosters.
func FamilyFor(r Role) (Family, bool) {
	switch r {
	case RoleParticipant:
		return FamilyParticipant, true
	case RoleObserver:
		return FamilyObserver, true
	}
	return "", false
}

// NormalizeEmail is the identity key used across lists, chat and polls.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
