package app

import (
	"context"
	"net/http"

	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/square"
	"github.com/angelmondragon/membergate-backend/pkg/telegram"
	"github.com/angelmondragon/membergate-backend/pkg/yookassa"
)

// Gateways are the remote collaborators built from configuration.
type Gateways struct {
	Membership gateway.MembershipGateway
	Notifier   gateway.Notifier
	Payments   gateway.PaymentGateway
}

// NewGateways builds the Telegram adapter and the configured payment
// provider.
func NewGateways(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Gateways, error) {
	httpClient := &http.Client{Timeout: cfg.Payments.RemoteTimeout}

	tgClient, err := telegram.NewClient(cfg.Telegram.BotToken,
		telegram.WithBaseURL(cfg.Telegram.BaseURL),
		telegram.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}
	tg, err := gateway.NewTelegram(tgClient, cfg.Telegram.GroupChatID)
	if err != nil {
		return nil, err
	}

	provider, err := newPaymentGateway(ctx, cfg, logg, httpClient)
	if err != nil {
		return nil, err
	}
	return &Gateways{Membership: tg, Notifier: tg, Payments: provider}, nil
}

func newPaymentGateway(ctx context.Context, cfg *config.Config, logg *logger.Logger, httpClient *http.Client) (gateway.PaymentGateway, error) {
	if cfg.Payments.ProviderName() == config.ProviderSquare {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, err
		}
		return gateway.NewSquare(client)
	}
	client, err := yookassa.NewClient(cfg.YooKassa.ShopID, cfg.YooKassa.SecretKey,
		yookassa.WithBaseURL(cfg.YooKassa.BaseURL),
		yookassa.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}
	return gateway.NewYooKassa(client, cfg.YooKassa.VATCode)
}
