package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const defaultBaseURL = "https://api.telegram.org"

var errTokenRequired = errors.New("telegram bot token is required")

// Chat member statuses reported by getChatMember.
const (
	StatusCreator       = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// Client covers group membership and private messages on top of the Bot API
// library. It never polls for updates.
type Client struct {
	api        *tgbotapi.BotAPI
	httpClient tgbotapi.HTTPClient
	baseURL    string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the Bot API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient builds a Bot API client for the given token. Unlike
// tgbotapi.NewBotAPI it does not call getMe, so construction stays offline.
func NewClient(token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errTokenRequired
	}

	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.api = &tgbotapi.BotAPI{Token: trimmed, Client: client.httpClient}
	client.api.SetAPIEndpoint(strings.TrimRight(client.baseURL, "/") + "/bot%s/%s")
	return client, nil
}

// ChatMember is the subset of the ChatMember object we act on.
type ChatMember struct {
	Status   string
	IsMember bool
	UserID   int64
}

// Present reports whether the user currently occupies a seat in the chat.
func (m ChatMember) Present() bool {
	switch m.Status {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true
	case StatusRestricted:
		return m.IsMember
	default:
		return false
	}
}

// Privileged reports creator or administrator.
func (m ChatMember) Privileged() bool {
	return m.Status == StatusCreator || m.Status == StatusAdministrator
}

// InviteLinkParams configures createChatInviteLink.
type InviteLinkParams struct {
	Name        string
	ExpireDate  time.Time
	MemberLimit int
}

// GetChatMember returns the user's membership in the chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	bot, err := c.bot(ctx)
	if err != nil {
		return nil, err
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return nil, mapError("getChatMember", err)
	}
	out := &ChatMember{Status: member.Status, IsMember: member.IsMember}
	if member.User != nil {
		out.UserID = member.User.ID
	}
	return out, nil
}

// BanChatMember removes the user until the given instant. Telegram treats
// bans shorter than 30 seconds or longer than 366 days as permanent.
func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	}
	if !until.IsZero() {
		cfg.UntilDate = until.Unix()
	}
	_, err := c.request(ctx, cfg)
	return err
}

// UnbanChatMember lifts a ban. With onlyIfBanned the call is a no-op for
// users who are not banned, so it never removes a present member.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error {
	_, err := c.request(ctx, tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     onlyIfBanned,
	})
	return err
}

// CreateChatInviteLink creates an additional invite link and returns its URL.
func (c *Client) CreateChatInviteLink(ctx context.Context, chatID int64, params InviteLinkParams) (string, error) {
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: chatID},
		Name:        params.Name,
		MemberLimit: params.MemberLimit,
	}
	if !params.ExpireDate.IsZero() {
		cfg.ExpireDate = int(params.ExpireDate.Unix())
	}
	resp, err := c.request(ctx, cfg)
	if err != nil {
		return "", err
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode createChatInviteLink result")
	}
	if link.InviteLink == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "telegram returned an empty invite link")
	}
	return link.InviteLink, nil
}

// SendMessage delivers a plain text message to a private chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "message text is required")
	}
	_, err := c.request(ctx, tgbotapi.NewMessage(chatID, text))
	return err
}

func (c *Client) request(ctx context.Context, cfg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	bot, err := c.bot(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := bot.Request(cfg)
	if err != nil {
		return nil, mapError(methodName(cfg), err)
	}
	return resp, nil
}

// bot returns a copy of the API handle whose requests carry ctx.
func (c *Client) bot(ctx context.Context) (*tgbotapi.BotAPI, error) {
	if c == nil || c.api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "telegram client not configured")
	}
	bot := *c.api
	bot.Client = contextClient{ctx: ctx, base: c.httpClient}
	return &bot, nil
}

type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

func methodName(cfg tgbotapi.Chattable) string {
	switch cfg.(type) {
	case tgbotapi.BanChatMemberConfig:
		return "banChatMember"
	case tgbotapi.UnbanChatMemberConfig:
		return "unbanChatMember"
	case tgbotapi.CreateChatInviteLinkConfig:
		return "createChatInviteLink"
	case tgbotapi.MessageConfig:
		return "sendMessage"
	default:
		return "request"
	}
}

// mapError turns a Bot API failure into a typed error. Rate limits, server
// errors and transport failures are retryable; everything else is a
// permanent rejection.
func mapError(method string, err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, method+" timed out")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute "+method+" request")
	}

	cause := fmt.Errorf("%s: status %d: %s", method, apiErr.Code, apiErr.Message)
	lower := strings.ToLower(apiErr.Message)

	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		typed := pkgerrors.Wrap(pkgerrors.CodeRateLimit, cause, "telegram rate limit")
		if apiErr.RetryAfter > 0 {
			typed = typed.WithDetails(map[string]any{"retry_after_seconds": apiErr.RetryAfter})
		}
		return typed
	case apiErr.Code >= http.StatusInternalServerError:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "telegram unavailable")
	case apiErr.Code == http.StatusUnauthorized:
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, cause, "telegram rejected bot token")
	case apiErr.Code == http.StatusForbidden:
		return pkgerrors.Wrap(pkgerrors.CodeForbidden, cause, "telegram denied the request")
	case strings.Contains(lower, "not enough rights"), strings.Contains(lower, "chat not found"):
		return pkgerrors.Wrap(pkgerrors.CodeForbidden, cause, "bot cannot manage the chat")
	case strings.Contains(lower, "user not found"),
		strings.Contains(lower, "member not found"),
		strings.Contains(lower, "participant_id_invalid"):
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "user is not known to the chat")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, cause, "telegram rejected the request")
	}
}
