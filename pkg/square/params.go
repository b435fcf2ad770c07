package square

import (
	"strings"
	"unicode/utf8"

	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

// Square request limits.
const (
	maxPaymentIdempotencyKey = 45
	maxReferenceID           = 40
	maxNote                  = 500
	defaultCurrency          = "RUB"
)

// CustomerCreateParams defines the payload to create a Square customer.
// ReferenceID carries the member's account id.
type CustomerCreateParams struct {
	PhoneNumber    string
	ReferenceID    string
	IdempotencyKey string
}

func (p CustomerCreateParams) toSquareRequest(idempotencyKey string) *sq.CreateCustomerRequest {
	return &sq.CreateCustomerRequest{
		IdempotencyKey: ptrString(idempotencyKey),
		PhoneNumber:    ptrString(strings.TrimSpace(p.PhoneNumber)),
		ReferenceID:    ptrString(clip(p.ReferenceID, maxReferenceID)),
		Note:           ptrString("membergate account " + strings.TrimSpace(p.ReferenceID)),
	}
}

// CardCreateParams groups the data needed to vault a card from a one-time
// source token.
type CardCreateParams struct {
	CustomerID     string
	SourceID       string
	ReferenceID    string
	IdempotencyKey string
}

func (p CardCreateParams) toSquareRequest(idempotencyKey string) *sq.CreateCardRequest {
	return &sq.CreateCardRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       strings.TrimSpace(p.SourceID),
		Card: &sq.Card{
			CustomerID:  ptrString(strings.TrimSpace(p.CustomerID)),
			ReferenceID: ptrString(clip(p.ReferenceID, maxReferenceID)),
		},
	}
}

// PaymentCreateParams encapsulates the inputs for a Square payment. SourceID
// is a vaulted card id charged on behalf of CustomerID.
type PaymentCreateParams struct {
	AmountMinor    int64
	Currency       string
	LocationID     string
	CustomerID     string
	SourceID       string
	IdempotencyKey string
	Note           string
	ReferenceID    string
}

// Validate rejects requests Square would refuse before any network call.
func (p PaymentCreateParams) Validate() error {
	var problem string
	switch {
	case p.AmountMinor <= 0:
		problem = "amount must be positive"
	case strings.TrimSpace(p.SourceID) == "":
		problem = "source id required"
	case strings.TrimSpace(p.CustomerID) == "":
		problem = "customer id required for card on file"
	case len(p.IdempotencyKey) > maxPaymentIdempotencyKey:
		problem = "idempotency key exceeds 45 characters"
	default:
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "square payment: "+problem)
}

func (p PaymentCreateParams) toSquareRequest(idempotencyKey string) *sq.CreatePaymentRequest {
	autocomplete := true
	return &sq.CreatePaymentRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       strings.TrimSpace(p.SourceID),
		AmountMoney:    money(p.AmountMinor, p.Currency),
		LocationID:     ptrString(p.LocationID),
		CustomerID:     ptrString(p.CustomerID),
		Autocomplete:   &autocomplete,
		Note:           ptrString(clip(p.Note, maxNote)),
		ReferenceID:    ptrString(clip(p.ReferenceID, maxReferenceID)),
	}
}

func money(amount int64, currency string) *sq.Money {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = defaultCurrency
	}
	c := sq.Currency(code)
	return &sq.Money{Amount: &amount, Currency: &c}
}

// clip trims value and caps it at limit runes.
func clip(value string, limit int) string {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func ptrString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func int64Ptr(value int64) *int64 {
	return &value
}
