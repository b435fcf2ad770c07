package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/square"
)

const squareInstrumentSep = "/"

type squareAPI interface {
	EnsureCustomer(ctx context.Context, params square.CustomerCreateParams) (*sq.Customer, error)
	CreateCard(ctx context.Context, params square.CardCreateParams) (*sq.Card, error)
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	ListPayments(ctx context.Context, keep func(*sq.Payment) bool) ([]*sq.Payment, error)
}

// Square implements PaymentGateway on Square card-on-file payments. Saved
// instruments are stored as "<customer id>/<card id>".
type Square struct {
	api squareAPI
}

// NewSquare wraps the Square client.
func NewSquare(api squareAPI) (*Square, error) {
	if api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square client required")
	}
	return &Square{api: api}, nil
}

func (s *Square) Name() string { return "square" }

func (s *Square) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	reference := strconv.FormatInt(req.AccountID, 10)
	params := square.PaymentCreateParams{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Description,
		ReferenceID:    reference,
	}

	var saved string
	switch {
	case req.SavedInstrumentRef != "":
		customerID, cardID, ok := splitSquareInstrument(req.SavedInstrumentRef)
		if !ok {
			return Charge{}, pkgerrors.New(pkgerrors.CodeValidation, "malformed square instrument reference")
		}
		params.CustomerID, params.SourceID = customerID, cardID
	case req.SourceToken == "":
		return Charge{}, pkgerrors.New(pkgerrors.CodeValidation, "square checkout requires a card token")
	case req.SaveInstrument:
		phone := ""
		if req.Receipt != nil {
			phone = req.Receipt.Phone
		}
		customer, err := s.api.EnsureCustomer(ctx, square.CustomerCreateParams{
			PhoneNumber:    phone,
			ReferenceID:    reference,
			IdempotencyKey: req.IdempotencyKey + "-customer",
		})
		if err != nil {
			return Charge{}, err
		}
		customerID := deref(customer.GetID())
		card, err := s.api.CreateCard(ctx, square.CardCreateParams{
			CustomerID:     customerID,
			SourceID:       req.SourceToken,
			ReferenceID:    reference,
			IdempotencyKey: req.IdempotencyKey + "-card",
		})
		if err != nil {
			return Charge{}, err
		}
		cardID := deref(card.GetID())
		params.CustomerID, params.SourceID = customerID, cardID
		saved = customerID + squareInstrumentSep + cardID
	default:
		params.SourceID = req.SourceToken
	}

	payment, err := s.api.CreatePayment(ctx, params)
	if err != nil {
		return Charge{}, err
	}
	charge := chargeFromSquare(payment)
	if charge.AccountID == 0 {
		charge.AccountID = req.AccountID
	}
	charge.SavedInstrumentRef = saved
	return charge, nil
}

func (s *Square) GetCharge(ctx context.Context, id string) (Charge, error) {
	payment, err := s.api.GetPayment(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	return chargeFromSquare(payment), nil
}

// ListSucceededCharges returns every completed payment in one page; the
// client walks Square's own pagination.
func (s *Square) ListSucceededCharges(ctx context.Context, _ string) (ChargePage, error) {
	payments, err := s.api.ListPayments(ctx, func(p *sq.Payment) bool {
		return deref(p.GetStatus()) == square.StatusCompleted
	})
	if err != nil {
		return ChargePage{}, err
	}
	page := ChargePage{Charges: make([]Charge, 0, len(payments))}
	for _, p := range payments {
		page.Charges = append(page.Charges, chargeFromSquare(p))
	}
	return page, nil
}

func chargeFromSquare(p *sq.Payment) Charge {
	charge := Charge{
		ID:     deref(p.GetID()),
		Status: squareStatus(deref(p.GetStatus())),
	}
	if money := p.GetAmountMoney(); money != nil {
		if money.Amount != nil {
			charge.AmountMinor = *money.Amount
		}
		if money.Currency != nil {
			charge.Currency = string(*money.Currency)
		}
	}
	if id, err := strconv.ParseInt(deref(p.GetReferenceID()), 10, 64); err == nil {
		charge.AccountID = id
	}
	if created, err := time.Parse(time.RFC3339, deref(p.GetCreatedAt())); err == nil {
		charge.CreatedAt = created
	}
	return charge
}

func squareStatus(status string) enums.PaymentStatus {
	switch status {
	case square.StatusCompleted:
		return enums.PaymentStatusSucceeded
	case square.StatusCanceled:
		return enums.PaymentStatusCanceled
	case square.StatusFailed:
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}

func splitSquareInstrument(ref string) (string, string, bool) {
	customerID, cardID, ok := strings.Cut(ref, squareInstrumentSep)
	if !ok || customerID == "" || cardID == "" {
		return "", "", false
	}
	return customerID, cardID, true
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
