package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const defaultInviteTTL = 24 * time.Hour

// Invite is a single-use join link.
type Invite struct {
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssuerParams groups the issuer dependencies.
type IssuerParams struct {
	Entitlements  entitlements.Repository
	Gateway       gateway.MembershipGateway
	Logger        *logger.Logger
	TTL           time.Duration
	RemoteTimeout time.Duration
}

// Issuer creates invites for accounts with an active entitlement.
type Issuer struct {
	repo    entitlements.Repository
	gateway gateway.MembershipGateway
	logg    *logger.Logger
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewIssuer(params IssuerParams) (*Issuer, error) {
	if params.Entitlements == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "membership gateway required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	return &Issuer{
		repo:    params.Entitlements,
		gateway: params.Gateway,
		logg:    params.Logger,
		ttl:     ttl,
		timeout: params.RemoteTimeout,
		now:     time.Now,
	}, nil
}

// Issue returns a fresh invite valid for one join within the TTL. Accounts
// without an active entitlement get a state conflict. Remote failures are
// returned with their code so callers can offer a retry.
func (i *Issuer) Issue(ctx context.Context, accountID int64) (*Invite, error) {
	account, err := i.repo.Get(ctx, accountID)
	if err != nil {
		return nil, lookupError(err)
	}
	now := i.now()
	if !account.ActiveAt(now) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no active subscription")
	}

	expiresAt := now.Add(i.ttl).UTC().Truncate(time.Second)
	name := fmt.Sprintf("sub-%d-%d", accountID, now.Unix())

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	link, err := i.gateway.CreateSingleUseInvite(callCtx, name, expiresAt)
	if err != nil {
		i.logg.Error(i.logg.WithAccountID(ctx, accountID), "invite creation failed", err)
		code := pkgerrors.CodeDependency
		if typed := pkgerrors.As(err); typed != nil {
			code = typed.Code()
		}
		return nil, pkgerrors.Wrap(code, err, "could not create an invite link, try again shortly")
	}
	return &Invite{Link: link, ExpiresAt: expiresAt}, nil
}
