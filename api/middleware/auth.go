package middleware

import (
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/responses"
	"github.com/angelmondragon/membergate-backend/api/validators"
	pkgAuth "github.com/angelmondragon/membergate-backend/pkg/auth"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

// Auth validates a bearer token and seeds the request context with the
// account id and role.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := validators.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithIdentity(r.Context(), claims.AccountID, claims.Role)
			if logg != nil {
				ctx = logg.WithAccountID(ctx, claims.AccountID)
				ctx = logg.WithActorRole(ctx, string(claims.Role))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
