package enums

// Role is carried in API tokens.
type Role string

const (
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
)

// IsValid reports whether the value is a known Role.
func (r Role) IsValid() bool {
	return r == RoleMember || r == RoleOperator
}
