package notify

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "02.01.2006 15:04 UTC"

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func withInvite(text, invite string) string {
	if invite == "" {
		return text + "\nRequest a new invite link from the bot menu to join the group."
	}
	return text + "\nYour one-time invite link: " + invite
}

// PaymentConfirmed is sent after a checkout payment succeeds.
func PaymentConfirmed(expiresAt time.Time, invite string) string {
	return withInvite(fmt.Sprintf("Payment received. Your subscription is active until %s.", formatDate(expiresAt)), invite)
}

// RenewalSucceeded is sent after an automatic charge succeeds.
func RenewalSucceeded(expiresAt time.Time) string {
	return fmt.Sprintf("Your subscription was renewed automatically. Active until %s.", formatDate(expiresAt))
}

// RenewalFailed is sent after a failed automatic charge that will be retried.
func RenewalFailed(expiresAt *time.Time) string {
	var b strings.Builder
	b.WriteString("We could not renew your subscription automatically.")
	if expiresAt != nil {
		fmt.Fprintf(&b, " Access stays open until %s.", formatDate(*expiresAt))
	}
	b.WriteString(" We will try again in a few hours, or you can pay manually now.")
	return b.String()
}

// AutoRenewalDisabled is sent when repeated failures switch auto-renewal off.
func AutoRenewalDisabled() string {
	return "Automatic renewal was switched off after repeated failed charges. Please pay manually to keep your access."
}

// Reminder warns about an upcoming expiry.
func Reminder(daysLeft int, expiresAt time.Time, autoRenewal bool) string {
	head := fmt.Sprintf("Your subscription ends in %s (%s).", pluralDays(daysLeft), formatDate(expiresAt))
	if autoRenewal {
		return head + " It will be renewed automatically with your saved card."
	}
	return head + " Renew now to keep access to the group."
}

// ReferralReward tells a referrer that a discount is waiting for them.
func ReferralReward(percent int) string {
	return fmt.Sprintf("A friend you invited has paid. Your next payment gets a %d%% discount.", percent)
}

// AccessGranted is sent after an operator grant.
func AccessGranted(days int, expiresAt time.Time, invite string) string {
	return withInvite(fmt.Sprintf("You were granted %s of access. Active until %s.", pluralDays(days), formatDate(expiresAt)), invite)
}

// AccessRevoked is sent after an operator revocation.
func AccessRevoked() string {
	return "Your subscription was revoked by an administrator."
}

// SubscriptionCanceled confirms a member's own cancellation.
func SubscriptionCanceled() string {
	return "Your subscription was canceled and automatic renewal is off."
}

func pluralDays(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}
