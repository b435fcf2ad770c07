package enums

import "fmt"

// MembershipStatus is the remote group's view of an account.
type MembershipStatus string

const (
	MembershipStatusAbsent MembershipStatus = "absent"
	MembershipStatusMember MembershipStatus = "member"
	MembershipStatusAdmin  MembershipStatus = "admin"
	MembershipStatusOwner  MembershipStatus = "owner"
)

var validMembershipStatuses = []MembershipStatus{
	MembershipStatusAbsent,
	MembershipStatusMember,
	MembershipStatusAdmin,
	MembershipStatusOwner,
}

// String implements fmt.Stringer.
func (m MembershipStatus) String() string {
	return string(m)
}

// IsValid reports whether the value matches a known MembershipStatus.
func (m MembershipStatus) IsValid() bool {
	for _, candidate := range validMembershipStatuses {
		if candidate == m {
			return true
		}
	}
	return false
}

// IsPrivileged reports admin or owner, who are never removed.
func (m MembershipStatus) IsPrivileged() bool {
	return m == MembershipStatusAdmin || m == MembershipStatusOwner
}

// ParseMembershipStatus converts raw input into a MembershipStatus.
func ParseMembershipStatus(value string) (MembershipStatus, error) {
	for _, candidate := range validMembershipStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid membership status %q", value)
}
