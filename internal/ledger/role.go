package ledger

import (
	"fmt"
	"strings"
)

// Role is the closed set of participant roles. A participant holds exactly
// one role for its lifetime.
type Role uint8

const (
	RoleUnknown Role = iota
	RolePatient
	RoleDoctor
	RoleInsurer
	RoleDirector
	RoleHealthAuthority
)

var roleNames = map[Role]string{
	RolePatient:         "patient",
	RoleDoctor:          "doctor",
	RoleInsurer:         "insurer",
	RoleDirector:        "director",
	RoleHealthAuthority: "health_authority",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRole converts a role name (case-insensitive, "-" or "_" separated)
// into a Role.
func ParseRole(s string) (Role, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for r, name := range roleNames {
		if name == norm {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Valid reports whether r is one of the five defined roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleInsurer, RoleDirector, RoleHealthAuthority:
		return true
	case RoleUnknown:
		return false
	default:
		return false
	}
}

// IsAuthority reports whether the role signs off records administratively
// or regulatorily.
func (r Role) IsAuthority() bool {
	switch r {
	case RoleDirector, RoleHealthAuthority:
		return true
	case RolePatient, RoleDoctor, RoleInsurer, RoleUnknown:
		return false
	default:
		return false
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
