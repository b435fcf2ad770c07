package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type checkoutRequest struct {
	SourceToken string `json:"source_token,omitempty" validate:"omitempty,max=512"`
}

// Checkout creates a payment for the caller, or returns the pending one
// already in flight.
func Checkout(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		checkout, err := svc.StartCheckout(r.Context(), payments.CheckoutRequest{
			AccountID:   accountID,
			SourceToken: strings.TrimSpace(payload.SourceToken),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if checkout.Reused {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, checkout)
	}
}

// CheckoutConfirm re-fetches the payment from the provider and applies it.
// Payments owned by another account read as not found.
func CheckoutConfirm(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		paymentID := validators.SanitizeString(chi.URLParam(r, "paymentId"), 128)
		if paymentID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payment id required"))
			return
		}

		result, err := svc.Confirm(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if result.AccountID != accountID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found"))
			return
		}
		responses.WriteSuccess(w, result)
	}
}
