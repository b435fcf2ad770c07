package controllers

import (
	"fmt"
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/middleware"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

func accountIDFromContext(r *http.Request) (int64, error) {
	id := middleware.AccountIDFromContext(r.Context())
	if id <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "account context missing")
	}
	return id, nil
}

// actorFromContext names the caller in audit rows, e.g. "operator:42".
func actorFromContext(r *http.Request) string {
	role := middleware.RoleFromContext(r.Context())
	if role == "" {
		role = enums.RoleOperator
	}
	return fmt.Sprintf("%s:%d", role, middleware.AccountIDFromContext(r.Context()))
}
