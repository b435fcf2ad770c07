// Package gateway defines the remote collaborators of the subscription core:
// the group provider, the payment provider and the user notifier.
package gateway

import (
	"context"
	"time"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// MembershipGateway reads and enforces group membership.
type MembershipGateway interface {
	// GetMembershipStatus reports the account's presence in the group.
	GetMembershipStatus(ctx context.Context, accountID int64) (enums.MembershipStatus, error)
	// BanThenUnban removes the account with a ban lasting banFor, then lifts
	// the ban so a later invite works. Safe to repeat.
	BanThenUnban(ctx context.Context, accountID int64, banFor time.Duration) error
	// CreateSingleUseInvite returns a join link usable once before expiresAt.
	CreateSingleUseInvite(ctx context.Context, name string, expiresAt time.Time) (string, error)
}

// Receipt carries the fiscal receipt fields some providers require.
type Receipt struct {
	Phone       string
	Description string
}

// ChargeRequest describes one charge attempt.
type ChargeRequest struct {
	AccountID   int64
	AmountMinor int64
	Currency    string
	Description string
	// IdempotencyKey makes provider-side retries of the same attempt safe.
	IdempotencyKey string
	// SavedInstrumentRef charges a stored instrument without user interaction.
	SavedInstrumentRef string
	// SourceToken is a one-time card token for providers that tokenize on the client.
	SourceToken    string
	SaveInstrument bool
	ReturnURL      string
	Receipt        *Receipt
}

// Charge is the provider's view of a payment.
type Charge struct {
	ID                 string
	AccountID          int64
	Status             enums.PaymentStatus
	AmountMinor        int64
	Currency           string
	ConfirmationURL    string
	SavedInstrumentRef string
	CreatedAt          time.Time
}

// ChargePage is one page of ListSucceededCharges. An empty NextCursor ends
// the listing.
type ChargePage struct {
	Charges    []Charge
	NextCursor string
}

// PaymentGateway creates and inspects charges.
type PaymentGateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	GetCharge(ctx context.Context, id string) (Charge, error)
	ListSucceededCharges(ctx context.Context, cursor string) (ChargePage, error)
}

// Notifier delivers a text to an account's private chat.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, text string) error
}
