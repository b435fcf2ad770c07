package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/operator"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type inviteIssuer interface {
	Issue(ctx context.Context, accountID int64) (*membership.Invite, error)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

// Invite returns a single-use join link for an active subscriber.
func Invite(issuer inviteIssuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if issuer == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "invite issuer unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		invite, err := issuer.Issue(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, invite)
	}
}

// SubscriptionCancel ends the caller's access immediately and removes them
// from the group.
func SubscriptionCancel(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload cancelRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Cancel(r.Context(), accountID, validators.SanitizeString(payload.Reason, 512))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
