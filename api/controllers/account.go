package controllers

import (
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	"github.com/angelmondragon/membergate-backend/internal/accounts"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type touchRequest struct {
	Username string `json:"username" validate:"omitempty,max=64"`
	FullName string `json:"full_name" validate:"omitempty,max=256"`
}

type phoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

type autoRenewalRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// AccountTouch creates the caller's account on first contact and refreshes
// the profile afterwards.
func AccountTouch(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "accounts service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload touchRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if _, err := svc.Touch(r.Context(), accounts.Profile{
			AccountID: accountID,
			Username:  validators.SanitizeString(payload.Username, 64),
			FullName:  validators.SanitizeString(payload.FullName, 256),
		}); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := svc.Status(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

// AccountStatus returns the caller's subscription summary.
func AccountStatus(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "accounts service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := svc.Status(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

func AccountPhone(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "accounts service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload phoneRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		phone, err := svc.SetPhone(r.Context(), accountID, payload.Phone)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"phone": phone})
	}
}

// AutoRenewal toggles renewal charges. Enabling requires a saved payment
// instrument.
func AutoRenewal(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "accounts service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload autoRenewalRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.SetAutoRenewal(r.Context(), accountID, *payload.Enabled); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"auto_renewal": *payload.Enabled})
	}
}

// PaymentMethodDelete forgets the saved instrument, which also stops renewals.
func PaymentMethodDelete(svc accounts.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "accounts service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.ClearPaymentMethod(r.Context(), accountID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
