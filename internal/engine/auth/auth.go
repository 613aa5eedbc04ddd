package auth

import (
	"fmt"
	"strings"
)

// Role is the caller's access level, resolved once by the identity
// collaborator (JWT claim or API key row) and passed into ledger calls as a
// typed value.
type Role int

const (
	RoleGuest Role = iota
	RoleMusician
	RoleLeader
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleGuest:    "guest",
	RoleMusician: "musician",
	RoleLeader:   "leader",
	RoleAdmin:    "admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "guest"
}

// ParseRole maps a role string to its Role; unknown values degrade to guest.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "musician":
		return RoleMusician
	case "leader":
		return RoleLeader
	case "admin":
		return RoleAdmin
	default:
		return RoleGuest
	}
}

// Principal is an authenticated caller: the musician it acts as plus its role.
type Principal struct {
	MusicianID string
	Role       Role
	Source     string
}

// CanConfirm reports whether the principal may confirm a roster entry bound
// to musicianID: the musician themself, or leader and above.
func (p Principal) CanConfirm(musicianID string) bool {
	if p.Role >= RoleLeader {
		return true
	}
	return p.Role == RoleMusician && p.MusicianID != "" && p.MusicianID == musicianID
}

// CanManage reports whether the principal may mutate registry state
// (musicians, events, songs, roster writes).
func (p Principal) CanManage() bool {
	return p.Role >= RoleLeader
}

// CanAdminister reports whether the principal may delete musicians and manage
// API keys.
func (p Principal) CanAdminister() bool {
	return p.Role >= RoleAdmin
}

// CanEditMusician reports whether the principal may patch a musician profile:
// leaders and above, or the musician editing their own record.
func (p Principal) CanEditMusician(musicianID string) bool {
	if p.Role >= RoleLeader {
		return true
	}
	return p.Role == RoleMusician && p.MusicianID != "" && p.MusicianID == musicianID
}

// ForbiddenError indicates the principal's role does not permit the action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role does not permit %s", e.Action)
}
