package gateway

import (
	"context"
	"time"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/telegram"
)

// telegramAPI is the slice of the Bot API client the adapter uses.
type telegramAPI interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
	BanChatMember(ctx context.Context, chatID, userID int64, until time.Time) error
	UnbanChatMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error
	CreateChatInviteLink(ctx context.Context, chatID int64, params telegram.InviteLinkParams) (string, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Telegram implements MembershipGateway and Notifier for one group chat.
type Telegram struct {
	api     telegramAPI
	groupID int64
	now     func() time.Time
}

// NewTelegram binds the Bot API client to the managed group.
func NewTelegram(api telegramAPI, groupID int64) (*Telegram, error) {
	if api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "telegram client required")
	}
	if groupID == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "telegram group id required")
	}
	return &Telegram{api: api, groupID: groupID, now: time.Now}, nil
}

func (t *Telegram) GetMembershipStatus(ctx context.Context, accountID int64) (enums.MembershipStatus, error) {
	member, err := t.api.GetChatMember(ctx, t.groupID, accountID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return enums.MembershipStatusAbsent, nil
		}
		return "", err
	}
	switch {
	case member.Status == telegram.StatusCreator:
		return enums.MembershipStatusOwner, nil
	case member.Status == telegram.StatusAdministrator:
		return enums.MembershipStatusAdmin, nil
	case member.Present():
		return enums.MembershipStatusMember, nil
	default:
		return enums.MembershipStatusAbsent, nil
	}
}

func (t *Telegram) BanThenUnban(ctx context.Context, accountID int64, banFor time.Duration) error {
	until := t.now().Add(banFor)
	if err := t.api.BanChatMember(ctx, t.groupID, accountID, until); err != nil {
		return err
	}
	return t.api.UnbanChatMember(ctx, t.groupID, accountID, true)
}

func (t *Telegram) CreateSingleUseInvite(ctx context.Context, name string, expiresAt time.Time) (string, error) {
	return t.api.CreateChatInviteLink(ctx, t.groupID, telegram.InviteLinkParams{
		Name:        name,
		ExpireDate:  expiresAt,
		MemberLimit: 1,
	})
}

// Notify sends a private message; a Telegram user id doubles as the chat id.
func (t *Telegram) Notify(ctx context.Context, accountID int64, text string) error {
	return t.api.SendMessage(ctx, accountID, text)
}
