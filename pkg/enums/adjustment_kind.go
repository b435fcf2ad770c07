package enums

import "fmt"

// AdjustmentKind labels manual entitlement changes made outside the payment flow.
type AdjustmentKind string

const (
	AdjustmentKindGrant  AdjustmentKind = "grant"
	AdjustmentKindRevoke AdjustmentKind = "revoke"
	AdjustmentKindCancel AdjustmentKind = "cancel"
)

var validAdjustmentKinds = []AdjustmentKind{
	AdjustmentKindGrant,
	AdjustmentKindRevoke,
	AdjustmentKindCancel,
}

// String implements fmt.Stringer.
func (a AdjustmentKind) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AdjustmentKind.
func (a AdjustmentKind) IsValid() bool {
	for _, candidate := range validAdjustmentKinds {
		if candidate == a {
			return true
		}
	}
	return false
}

// Closes reports whether the adjustment ends access (revoke or cancel).
func (a AdjustmentKind) Closes() bool {
	return a == AdjustmentKindRevoke || a == AdjustmentKindCancel
}

// ParseAdjustmentKind converts raw input into an AdjustmentKind.
func ParseAdjustmentKind(value string) (AdjustmentKind, error) {
	for _, candidate := range validAdjustmentKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid adjustment kind %q", value)
}
