package actor

import "strings"

type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleSeller Role = "Seller"
	RoleFarmer Role = "Farmer"
	RoleBuyer  Role = "Buyer"
)

var validRoles = map[Role]struct{}{
	RoleAdmin:  {},
	RoleSeller: {},
	RoleFarmer: {},
	RoleBuyer:  {},
}

// Actor is the authenticated caller. Token issuance happens upstream;
// the gateway forwards the verified id and role.
type Actor struct {
	ID   string
	Role Role
}

// ParseRole accepts the legacy lower-case spellings ("user", "admin") as well.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, true
	case "seller":
		return RoleSeller, true
	case "farmer", "user":
		return RoleFarmer, true
	case "buyer":
		return RoleBuyer, true
	}
	r := Role(s)
	_, ok := validRoles[r]
	return r, ok
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsZero() bool { return a.ID == "" }

// Owns reports whether a may mutate a record owned by ownerID.
func (a Actor) Owns(ownerID string) bool {
	return a.IsAdmin() || (a.ID != "" && a.ID == ownerID)
}
