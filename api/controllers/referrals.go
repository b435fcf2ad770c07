package controllers

import (
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/referrals"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type referralRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

// ReferralRecord links the caller to the owner of a referral code. A repeat
// of an existing link answers 200 instead of 201.
func ReferralRecord(svc referrals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referrals service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload referralRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.RecordReferralByCode(r.Context(), accountID, validators.SanitizeString(payload.Code, 32))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if result == db.Inserted {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, map[string]string{"result": result.String()})
	}
}

// ReferralStats returns the caller's code, generating it on first request,
// with the counts of referred accounts.
func ReferralStats(accountsSvc accounts.Service, svc referrals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if accountsSvc == nil || svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referrals service unavailable"))
			return
		}
		accountID, err := accountIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := accountsSvc.EnsureReferralCode(r.Context(), accountID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		stats, err := svc.Stats(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}
