package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	"github.com/angelmondragon/membergate-backend/internal/operator"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const (
	recomputeSourceLocal    = "local"
	recomputeSourceProvider = "provider"
)

type grantRequest struct {
	Days   int    `json:"days" validate:"required,min=1,max=3650"`
	Reason string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

type recomputeAccountResponse struct {
	AccountID int64      `json:"account_id"`
	Previous  *time.Time `json:"previous_expires_at,omitempty"`
	Current   *time.Time `json:"expires_at,omitempty"`
	Raised    bool       `json:"raised"`
}

func AdminGrant(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}
		accountID, err := validators.ParsePathID(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload grantRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Grant(r.Context(), operator.GrantRequest{
			AccountID: accountID,
			Days:      payload.Days,
			Actor:     actorFromContext(r),
			Reason:    validators.SanitizeString(payload.Reason, 512),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func AdminRevoke(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}
		accountID, err := validators.ParsePathID(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload revokeRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Revoke(r.Context(), operator.RevokeRequest{
			AccountID: accountID,
			Actor:     actorFromContext(r),
			Reason:    validators.SanitizeString(payload.Reason, 512),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminRecomputeAccount rebuilds one account's expiry from its payments and
// adjustments. The stored value is never lowered.
func AdminRecomputeAccount(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}
		accountID, err := validators.ParsePathID(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		change, err := svc.RecomputeAccount(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, recomputeAccountResponse{
			AccountID: accountID,
			Previous:  change.Previous,
			Current:   change.Current,
			Raised:    change.Raised(),
		})
	}
}

// AdminResync runs one reconcile sweep immediately.
func AdminResync(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}
		summary, err := svc.Resync(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// AdminRecompute rebuilds every expiry, either from the local payment log
// (?source=local, the default) or from the provider's history
// (?source=provider).
func AdminRecompute(svc operator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "operator service unavailable"))
			return
		}

		source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
		var (
			summary payments.RecomputeSummary
			err     error
		)
		switch source {
		case "", recomputeSourceLocal:
			summary, err = svc.RecomputeLocal(r.Context())
		case recomputeSourceProvider:
			summary, err = svc.RecomputeFromProvider(r.Context())
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "source must be local or provider").WithDetails(map[string]any{"field": "source"})
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

type adjustmentLister interface {
	ListAdjustments(ctx context.Context, accountID int64) ([]models.EntitlementAdjustment, error)
}

type adjustmentResponse struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Days        int       `json:"days,omitempty"`
	Reason      *string   `json:"reason,omitempty"`
	Actor       string    `json:"actor"`
	EffectiveAt time.Time `json:"effective_at"`
}

// AdminAdjustments returns the newest manual adjustments for an account,
// oldest first, capped by ?limit (default 50).
func AdminAdjustments(store adjustmentLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlements store unavailable"))
			return
		}
		accountID, err := validators.ParsePathID(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		adjustments, err := store.ListAdjustments(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list adjustments"))
			return
		}
		if len(adjustments) > limit {
			adjustments = adjustments[len(adjustments)-limit:]
		}

		out := make([]adjustmentResponse, 0, len(adjustments))
		for _, adj := range adjustments {
			out = append(out, adjustmentResponse{
				ID:          adj.ID,
				Kind:        string(adj.Kind),
				Days:        adj.Days,
				Reason:      adj.Reason,
				Actor:       adj.Actor,
				EffectiveAt: adj.EffectiveAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
