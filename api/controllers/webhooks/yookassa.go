package webhooks

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/angelmondragon/membergate-backend/api/responses"
	yookassawebhook "github.com/angelmondragon/membergate-backend/internal/webhooks/yookassa"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const maxNotificationBytes = 64 << 10

type YooKassaWebhookService interface {
	Handle(ctx context.Context, n yookassawebhook.Notification) error
}

type yookassaWebhookGuard interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// YooKassaWebhook accepts payment notifications. The body is only a hint: the
// service re-fetches the payment before changing any state. When token is
// set, the request must carry it in the "token" query parameter.
func YooKassaWebhook(svc YooKassaWebhookService, guard yookassaWebhookGuard, token string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		if token != "" {
			provided := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook token"))
				return
			}
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		notification, err := yookassawebhook.ParseNotification(payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		key := notification.Key()
		alreadyProcessed, err := guard.CheckAndMark(ctx, key)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if alreadyProcessed {
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.Handle(ctx, notification); err != nil {
			_ = guard.Delete(context.WithoutCancel(ctx), key)
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}
