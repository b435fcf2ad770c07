package gateway

import (
	"context"
	"strconv"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/yookassa"
)

const yookassaPageSize = 100

type yookassaAPI interface {
	CreatePayment(ctx context.Context, req yookassa.CreatePaymentRequest, idempotenceKey string) (*yookassa.Payment, error)
	GetPayment(ctx context.Context, id string) (*yookassa.Payment, error)
	ListPayments(ctx context.Context, params yookassa.ListParams) (*yookassa.PaymentList, error)
}

// YooKassa implements PaymentGateway with redirect checkouts and saved
// payment methods for renewals.
type YooKassa struct {
	api     yookassaAPI
	vatCode int
}

// NewYooKassa wraps the REST client. vatCode goes on every receipt line.
func NewYooKassa(api yookassaAPI, vatCode int) (*YooKassa, error) {
	if api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "yookassa client required")
	}
	return &YooKassa{api: api, vatCode: vatCode}, nil
}

func (y *YooKassa) Name() string { return "yookassa" }

func (y *YooKassa) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	amount := yookassa.FormatAmount(req.AmountMinor, req.Currency)
	body := yookassa.CreatePaymentRequest{
		Amount:      amount,
		Capture:     true,
		Description: req.Description,
		Metadata:    map[string]string{"user_id": strconv.FormatInt(req.AccountID, 10)},
	}
	if req.SavedInstrumentRef != "" {
		body.PaymentMethodID = req.SavedInstrumentRef
	} else {
		body.Confirmation = &yookassa.Confirmation{Type: "redirect", ReturnURL: req.ReturnURL}
		body.SavePaymentMethod = req.SaveInstrument
	}
	if req.Receipt != nil {
		body.Receipt = &yookassa.Receipt{
			Customer: yookassa.Customer{Phone: req.Receipt.Phone},
			Items: []yookassa.ReceiptItem{{
				Description:    req.Receipt.Description,
				Quantity:       "1.00",
				Amount:         amount,
				VATCode:        y.vatCode,
				PaymentMode:    "full_payment",
				PaymentSubject: "service",
			}},
		}
	}

	payment, err := y.api.CreatePayment(ctx, body, req.IdempotencyKey)
	if err != nil {
		return Charge{}, err
	}
	return chargeFromYooKassa(payment, req.AccountID)
}

func (y *YooKassa) GetCharge(ctx context.Context, id string) (Charge, error) {
	payment, err := y.api.GetPayment(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	return chargeFromYooKassa(payment, 0)
}

func (y *YooKassa) ListSucceededCharges(ctx context.Context, cursor string) (ChargePage, error) {
	list, err := y.api.ListPayments(ctx, yookassa.ListParams{
		Status: yookassa.StatusSucceeded,
		Limit:  yookassaPageSize,
		Cursor: cursor,
	})
	if err != nil {
		return ChargePage{}, err
	}

	page := ChargePage{NextCursor: list.NextCursor, Charges: make([]Charge, 0, len(list.Items))}
	for i := range list.Items {
		charge, err := chargeFromYooKassa(&list.Items[i], 0)
		if err != nil {
			return ChargePage{}, err
		}
		page.Charges = append(page.Charges, charge)
	}
	return page, nil
}

func chargeFromYooKassa(p *yookassa.Payment, fallbackAccount int64) (Charge, error) {
	minor, err := p.Amount.MinorUnits()
	if err != nil {
		return Charge{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "yookassa returned a malformed amount")
	}

	charge := Charge{
		ID:          p.ID,
		AccountID:   fallbackAccount,
		Status:      yookassaStatus(p.Status),
		AmountMinor: minor,
		Currency:    p.Amount.Currency,
		CreatedAt:   p.CreatedAt,
	}
	if raw, ok := p.Metadata["user_id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			charge.AccountID = id
		}
	}
	if p.Confirmation != nil {
		charge.ConfirmationURL = p.Confirmation.ConfirmationURL
	}
	if p.PaymentMethod != nil && p.PaymentMethod.Saved {
		charge.SavedInstrumentRef = p.PaymentMethod.ID
	}
	return charge, nil
}

func yookassaStatus(status string) enums.PaymentStatus {
	switch status {
	case yookassa.StatusSucceeded:
		return enums.PaymentStatusSucceeded
	case yookassa.StatusCanceled:
		return enums.PaymentStatusCanceled
	default:
		return enums.PaymentStatusPending
	}
}
