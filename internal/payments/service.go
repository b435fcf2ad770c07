// Package payments runs checkouts and renewal charges against the payment
// provider and applies their outcome to the ledger and the entitlement.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/internal/referrals"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

const engineName = "payments"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// InviteIssuer hands out group invites after a confirmed payment.
type InviteIssuer interface {
	Issue(ctx context.Context, accountID int64) (*membership.Invite, error)
}

// Config holds the plan price and provider timings.
type Config struct {
	PriceMinor       int64
	Currency         string
	Description      string
	ReturnURL        string
	PendingMaxAge    time.Duration
	RemoteTimeout    time.Duration
	FailureThreshold int
	PollBatchSize    int
}

// Params groups the service dependencies.
type Params struct {
	Repo         Repository
	Accounts     accounts.Repository
	Entitlements entitlements.Service
	Store        entitlements.Repository
	Referrals    referrals.Service
	Gateway      gateway.PaymentGateway
	Invites      InviteIssuer
	Notifier     *notify.Sender
	Tx           txRunner
	Logger       *logger.Logger
	Metrics      *metrics.OutcomeMetrics
	Config       Config
}

// CheckoutRequest starts a user-initiated payment.
type CheckoutRequest struct {
	AccountID int64
	// SourceToken is a client-side card token for providers that need one.
	SourceToken string
}

// Checkout is the payer-facing result of StartCheckout.
type Checkout struct {
	PaymentID       string              `json:"payment_id"`
	ConfirmationURL string              `json:"confirmation_url,omitempty"`
	AmountMinor     int64               `json:"amount_minor"`
	Currency        string              `json:"currency"`
	DiscountPercent int                 `json:"discount_percent,omitempty"`
	Status          enums.PaymentStatus `json:"status"`
	Reused          bool                `json:"reused"`
	ExpiresAt       *time.Time          `json:"expires_at,omitempty"`
	Invite          *membership.Invite  `json:"invite,omitempty"`
}

// Result describes what applying a provider status did locally.
type Result struct {
	PaymentID    string              `json:"payment_id"`
	AccountID    int64               `json:"account_id"`
	Kind         enums.PaymentKind   `json:"kind"`
	Status       enums.PaymentStatus `json:"status"`
	Transitioned bool                `json:"transitioned"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	Invite       *membership.Invite  `json:"invite,omitempty"`
	// AutoRenewalDisabled is set when a failed renewal tripped the breaker.
	AutoRenewalDisabled bool `json:"auto_renewal_disabled,omitempty"`
}

// Service defines payment operations.
type Service interface {
	StartCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Confirm(ctx context.Context, providerPaymentID string) (*Result, error)
	ChargeRenewal(ctx context.Context, account models.Account, idempotencyKey string) (*Result, error)
	RecordRenewalError(ctx context.Context, accountID int64) (*Result, error)
	PollPending(ctx context.Context) (PollSummary, error)
	RecomputeFromProvider(ctx context.Context) (RecomputeSummary, error)
	RecomputeAccount(ctx context.Context, accountID int64) (*entitlements.Change, error)
	RecomputeLocal(ctx context.Context) (RecomputeSummary, error)
	HasPendingCheckout(ctx context.Context, accountID int64) (bool, error)
}

type service struct {
	repo         Repository
	accounts     accounts.Repository
	entitlements entitlements.Service
	store        entitlements.Repository
	referrals    referrals.Service
	gateway      gateway.PaymentGateway
	invites      InviteIssuer
	notifier     *notify.Sender
	tx           txRunner
	logg         *logger.Logger
	metrics      *metrics.OutcomeMetrics
	cfg          Config
	now          func() time.Time
}

func NewService(params Params) (Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payments repository required")
	case params.Accounts == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "accounts repository required")
	case params.Entitlements == nil || params.Store == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements required")
	case params.Referrals == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "referrals service required")
	case params.Gateway == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway required")
	case params.Invites == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "invite issuer required")
	case params.Notifier == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	case params.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	cfg := params.Config
	if cfg.PriceMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 24 * time.Hour
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 500
	}
	return &service{
		repo:         params.Repo,
		accounts:     params.Accounts,
		entitlements: params.Entitlements,
		store:        params.Store,
		referrals:    params.Referrals,
		gateway:      params.Gateway,
		invites:      params.Invites,
		notifier:     params.Notifier,
		tx:           params.Tx,
		logg:         params.Logger,
		metrics:      params.Metrics,
		cfg:          cfg,
		now:          time.Now,
	}, nil
}

// StartCheckout creates a charge for one period. A pending checkout is
// returned as is instead of charging twice, and a pending renewal charge
// blocks new checkouts.
func (s *service) StartCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	account, err := s.accounts.Get(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	if account.Phone == nil || *account.Phone == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "phone number required before payment")
	}

	renewal, err := s.repo.FindPending(ctx, account.ID, enums.PaymentKindRenewal)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check pending renewal")
	}
	if renewal != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "an automatic renewal charge is in progress")
	}
	existing, err := s.repo.FindPending(ctx, account.ID, enums.PaymentKindCheckout)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check pending checkout")
	}
	if existing != nil && existing.ConfirmationURL != nil {
		return &Checkout{
			PaymentID:       existing.ProviderPaymentID,
			ConfirmationURL: *existing.ConfirmationURL,
			AmountMinor:     existing.AmountMinor,
			Currency:        existing.Currency,
			Status:          existing.Status,
			Reused:          true,
		}, nil
	}

	now := s.now()
	reward, err := s.referrals.Reserve(ctx, account.ID, now)
	if err != nil {
		return nil, err
	}
	amount := s.cfg.PriceMinor
	checkout := &Checkout{Currency: s.cfg.Currency, Status: enums.PaymentStatusPending}
	var rewardID *int64
	if reward != nil {
		amount, err = referrals.ApplyDiscount(amount, reward.DiscountPercent)
		if err != nil {
			s.releaseReward(ctx, reward.ID)
			return nil, err
		}
		rewardID = &reward.ID
		checkout.DiscountPercent = reward.DiscountPercent
	}
	checkout.AmountMinor = amount

	charge, err := s.createCharge(ctx, gateway.ChargeRequest{
		AccountID:      account.ID,
		AmountMinor:    amount,
		Currency:       s.cfg.Currency,
		Description:    s.cfg.Description,
		IdempotencyKey: uuid.NewString(),
		SourceToken:    req.SourceToken,
		SaveInstrument: true,
		ReturnURL:      s.cfg.ReturnURL,
		Receipt:        &gateway.Receipt{Phone: *account.Phone, Description: s.cfg.Description},
	})
	if err != nil {
		if rewardID != nil {
			s.releaseReward(ctx, *rewardID)
		}
		return nil, err
	}

	payment := s.pendingPayment(charge, account.ID, amount, enums.PaymentKindCheckout, now)
	payment.RewardID = rewardID
	if _, err := s.repo.Insert(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment")
	}
	checkout.PaymentID = charge.ID
	checkout.ConfirmationURL = charge.ConfirmationURL

	if charge.Status.IsTerminal() {
		result, err := s.applyCharge(ctx, payment, charge)
		if err != nil {
			return nil, err
		}
		checkout.Status = result.Status
		checkout.ExpiresAt = result.ExpiresAt
		checkout.Invite = result.Invite
	}
	return checkout, nil
}

// Confirm re-reads the charge from the provider and applies its status.
// Callback payloads are never trusted on their own. A succeeded charge the
// ledger never recorded, such as a renewal whose reply was lost, is adopted
// when the provider attributes it to an account.
func (s *service) Confirm(ctx context.Context, providerPaymentID string) (*Result, error) {
	payment, err := s.repo.GetByProviderID(ctx, providerPaymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.adoptCharge(ctx, providerPaymentID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment.Status.IsTerminal() {
		return resultFor(payment, payment.Status), nil
	}
	charge, err := s.getCharge(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}
	return s.applyCharge(ctx, payment, charge)
}

// ChargeRenewal charges the account's saved instrument once. A failure to
// reach the provider is returned; a declined charge is applied and reported
// in the result.
func (s *service) ChargeRenewal(ctx context.Context, account models.Account, idempotencyKey string) (*Result, error) {
	if !account.HasPaymentMethod() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no saved payment method")
	}
	req := gateway.ChargeRequest{
		AccountID:          account.ID,
		AmountMinor:        s.cfg.PriceMinor,
		Currency:           s.cfg.Currency,
		Description:        s.cfg.Description,
		IdempotencyKey:     idempotencyKey,
		SavedInstrumentRef: *account.PaymentMethodRef,
	}
	if account.Phone != nil && *account.Phone != "" {
		req.Receipt = &gateway.Receipt{Phone: *account.Phone, Description: s.cfg.Description}
	}
	charge, err := s.createCharge(ctx, req)
	if err != nil && pkgerrors.IsTransient(err) {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		}), "renewal charge reply lost, re-issuing with the same key")
		charge, err = s.createCharge(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	payment := s.pendingPayment(charge, account.ID, req.AmountMinor, enums.PaymentKindRenewal, s.now())
	if _, err := s.repo.Insert(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment")
	}
	if existing, err := s.repo.GetByProviderID(ctx, charge.ID); err == nil {
		payment = existing
	}
	return s.applyCharge(ctx, payment, charge)
}

func (s *service) HasPendingCheckout(ctx context.Context, accountID int64) (bool, error) {
	pending, err := s.repo.FindPending(ctx, accountID, enums.PaymentKindCheckout)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check pending checkout")
	}
	return pending != nil, nil
}

func (s *service) pendingPayment(charge gateway.Charge, accountID, amount int64, kind enums.PaymentKind, now time.Time) *models.Payment {
	chargedAt := charge.CreatedAt
	if chargedAt.IsZero() {
		chargedAt = now
	}
	payment := &models.Payment{
		ProviderPaymentID: charge.ID,
		Provider:          s.gateway.Name(),
		AccountID:         accountID,
		AmountMinor:       amount,
		Currency:          s.cfg.Currency,
		Status:            enums.PaymentStatusPending,
		Kind:              kind,
		ChargedAt:         chargedAt,
	}
	if charge.ConfirmationURL != "" {
		url := charge.ConfirmationURL
		payment.ConfirmationURL = &url
	}
	return payment
}

func (s *service) createCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	callCtx, cancel := s.remoteContext(ctx)
	defer cancel()
	charge, err := s.gateway.CreateCharge(callCtx, req)
	if err != nil {
		return gateway.Charge{}, remoteError(err, "create charge")
	}
	return charge, nil
}

func (s *service) getCharge(ctx context.Context, id string) (gateway.Charge, error) {
	callCtx, cancel := s.remoteContext(ctx)
	defer cancel()
	charge, err := s.gateway.GetCharge(callCtx, id)
	if err != nil {
		return gateway.Charge{}, remoteError(err, "fetch charge")
	}
	return charge, nil
}

func (s *service) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RemoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RemoteTimeout)
}

func (s *service) releaseReward(ctx context.Context, rewardID int64) {
	if err := s.referrals.Release(ctx, rewardID); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "reward_id", rewardID), "could not release referral reward", err)
	}
}

// adoptCharge records a succeeded provider charge that has no ledger row and
// applies it like any other confirmation. Charges without an account stay
// unknown.
func (s *service) adoptCharge(ctx context.Context, providerPaymentID string) (*Result, error) {
	charge, err := s.getCharge(ctx, providerPaymentID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, err
	}
	if charge.AccountID <= 0 || charge.Status != enums.PaymentStatusSucceeded {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if err := s.accounts.EnsureExists(ctx, charge.AccountID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure account")
	}

	kind := enums.PaymentKindCheckout
	if charge.ConfirmationURL == "" {
		kind = enums.PaymentKindRenewal
	}
	amount := charge.AmountMinor
	if amount <= 0 {
		amount = s.cfg.PriceMinor
	}
	payment := s.pendingPayment(charge, charge.AccountID, amount, kind, s.now())
	if charge.Currency != "" {
		payment.Currency = charge.Currency
	}
	if _, err := s.repo.Insert(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record adopted payment")
	}
	stored, err := s.repo.GetByProviderID(ctx, charge.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"account_id": charge.AccountID,
		"payment_id": charge.ID,
		"kind":       string(kind),
	}), "adopting provider charge missing from the ledger")
	return s.applyCharge(ctx, stored, charge)
}

// remoteError keeps the provider's error code and defaults to a dependency
// failure for untyped errors.
func remoteError(err error, message string) error {
	code := pkgerrors.CodeDependency
	if typed := pkgerrors.As(err); typed != nil {
		code = typed.Code()
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = pkgerrors.CodeTimeout
	}
	return pkgerrors.Wrap(code, err, message)
}

func resultFor(payment *models.Payment, status enums.PaymentStatus) *Result {
	return &Result{
		PaymentID: payment.ProviderPaymentID,
		AccountID: payment.AccountID,
		Kind:      payment.Kind,
		Status:    status,
	}
}
