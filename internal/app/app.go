// Package app wires the subscription services together for the binaries.
package app

import (
	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/expiry"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/internal/operator"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/internal/referrals"
	"github.com/angelmondragon/membergate-backend/internal/reminders"
	"github.com/angelmondragon/membergate-backend/internal/renewal"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

// Deps are the process-level resources the services run on.
type Deps struct {
	Config     *config.Config
	DB         *db.Client
	Logger     *logger.Logger
	Membership gateway.MembershipGateway
	Payments   gateway.PaymentGateway
	Notifier   gateway.Notifier
	Metrics    *metrics.OutcomeMetrics
}

// Services is the wired service graph.
type Services struct {
	Accounts     accounts.Service
	AccountsRepo accounts.Repository
	Entitlements entitlements.Service
	Store        entitlements.Repository
	Referrals    referrals.Service
	Payments     payments.Service
	Reconciler   *membership.Reconciler
	Invites      *membership.Issuer
	Renewal      *renewal.Engine
	Reminders    *reminders.Engine
	Operator     operator.Service
	Notifier     *notify.Sender
}

// Build constructs every service from deps.
func Build(deps Deps) (*Services, error) {
	switch {
	case deps.Config == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "config required")
	case deps.DB == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "database required")
	case deps.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	cfg := deps.Config
	conn := deps.DB.DB()

	accountsRepo := accounts.NewRepository(conn)
	store := entitlements.NewRepository(conn)
	ents, err := entitlements.NewService(store, expiry.Policy{
		Period: cfg.Subscription.Period(),
		Grace:  cfg.Subscription.Grace(),
	})
	if err != nil {
		return nil, err
	}
	accountsSvc, err := accounts.NewService(accountsRepo, store)
	if err != nil {
		return nil, err
	}
	refs, err := referrals.NewService(referrals.NewRepository(conn), accountsRepo, deps.DB, cfg.Referral.DiscountPercent)
	if err != nil {
		return nil, err
	}
	sender, err := notify.NewSender(deps.Notifier, deps.Logger)
	if err != nil {
		return nil, err
	}

	reconciler, err := membership.NewReconciler(membership.ReconcilerParams{
		Entitlements: store,
		Gateway:      deps.Membership,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
		Config: membership.ReconcilerConfig{
			BanDuration:   cfg.Reconcile.BanDuration,
			StrictLookup:  cfg.Reconcile.StrictLookup,
			BatchSize:     cfg.Reconcile.BatchSize,
			RemoteTimeout: cfg.Payments.RemoteTimeout,
			IsAdmin:       cfg.Admin.IsAdmin,
		},
	})
	if err != nil {
		return nil, err
	}
	issuer, err := membership.NewIssuer(membership.IssuerParams{
		Entitlements:  store,
		Gateway:       deps.Membership,
		Logger:        deps.Logger,
		TTL:           cfg.Invite.TTL,
		RemoteTimeout: cfg.Payments.RemoteTimeout,
	})
	if err != nil {
		return nil, err
	}

	paymentsSvc, err := payments.NewService(payments.Params{
		Repo:         payments.NewRepository(conn),
		Accounts:     accountsRepo,
		Entitlements: ents,
		Store:        store,
		Referrals:    refs,
		Gateway:      deps.Payments,
		Invites:      issuer,
		Notifier:     sender,
		Tx:           deps.DB,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
		Config: payments.Config{
			PriceMinor:       cfg.Subscription.PriceMinor,
			Currency:         cfg.Subscription.Currency,
			Description:      cfg.Subscription.Description,
			ReturnURL:        cfg.Payments.ReturnURL,
			PendingMaxAge:    cfg.Payments.PendingMaxAge,
			RemoteTimeout:    cfg.Payments.RemoteTimeout,
			FailureThreshold: cfg.Renewal.FailureThreshold,
		},
	})
	if err != nil {
		return nil, err
	}

	renewalEngine, err := renewal.NewEngine(renewal.Params{
		Entitlements: store,
		Payments:     paymentsSvc,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
		Config: renewal.Config{
			Lookahead:        cfg.Renewal.Lookahead,
			FailureThreshold: cfg.Renewal.FailureThreshold,
			ChargeDelay:      cfg.Renewal.ChargeDelay,
			ClaimWindow:      cfg.Renewal.ClaimWindow,
		},
	})
	if err != nil {
		return nil, err
	}
	reminderEngine, err := reminders.NewEngine(store, sender, deps.Logger, deps.Metrics, cfg.Reminders.Days)
	if err != nil {
		return nil, err
	}

	operatorSvc, err := operator.NewService(operator.Params{
		Accounts:     accountsRepo,
		Entitlements: ents,
		Store:        store,
		Payments:     paymentsSvc,
		Reconciler:   reconciler,
		Invites:      issuer,
		Notifier:     sender,
		Tx:           deps.DB,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Services{
		Accounts:     accountsSvc,
		AccountsRepo: accountsRepo,
		Entitlements: ents,
		Store:        store,
		Referrals:    refs,
		Payments:     paymentsSvc,
		Reconciler:   reconciler,
		Invites:      issuer,
		Renewal:      renewalEngine,
		Reminders:    reminderEngine,
		Operator:     operatorSvc,
		Notifier:     sender,
	}, nil
}
