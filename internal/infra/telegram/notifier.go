package telegram

import (
	"context"
	"fmt"

	"github.com/sparkmeet/backend/internal/domain/model"
)

// Notifier delivers subscription lifecycle messages to the user's
// Telegram chat. User IDs double as chat IDs.
type Notifier struct {
	bot *Bot
}

func NewNotifier(bot *Bot) *Notifier {
	return &Notifier{bot: bot}
}

func (n *Notifier) Notify(ctx context.Context, userID int64, event string, plan model.SubscriptionPlan) error {
	if n == nil || n.bot == nil {
		return fmt.Errorf("telegram notifier is not initialized")
	}

	return n.bot.SendText(ctx, userID, messageFor(event, plan))
}

func messageFor(event string, plan model.SubscriptionPlan) string {
	switch event {
	case "activated":
		return fmt.Sprintf("Your %s subscription is active. Enjoy unlimited messaging!", plan)
	case "renewed":
		return fmt.Sprintf("Your %s subscription has been renewed.", plan)
	case "cancelled":
		return fmt.Sprintf("Your %s subscription was cancelled. It stays active until the end of the paid period.", plan)
	case "expired":
		return fmt.Sprintf("Your %s subscription has expired. You are back on the free plan.", plan)
	default:
		return fmt.Sprintf("Subscription update: %s (%s plan).", event, plan)
	}
}
