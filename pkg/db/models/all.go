package models

// All lists every persisted model, in dependency order, for AutoMigrate in
// SQLite runs and tests.
func All() []any {
	return []any{
		&Account{},
		&Payment{},
		&ReferralLink{},
		&ReferralReward{},
		&EntitlementAdjustment{},
	}
}
