package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"

	"github.com/ggoodman/streamgate/sessions"
	"github.com/ggoodman/streamgate/webhook"
)

// principalMetadataKey names the metadata entry linking a Stripe object to
// the principal that owns sessions here.
const principalMetadataKey = "principal_id"

// reasonSubscriptionEnded is recorded when billing ends a principal's access.
const reasonSubscriptionEnded = "subscription_ended"

type principalSessions interface {
	DestroyPrincipalSessions(ctx context.Context, principalID, reason string) (int, error)
}

func registerEventHandlers(wh *webhook.Handler, store principalSessions, log *slog.Logger) {
	wh.On(stripe.EventTypeCustomerSubscriptionDeleted, func(ctx context.Context, evt stripe.Event) error {
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		pid := sub.Metadata[principalMetadataKey]
		if pid == "" {
			log.InfoContext(ctx, "webhook.subscription.unlinked", slog.String("subscription_id", sub.ID))
			return nil
		}
		n, err := store.DestroyPrincipalSessions(ctx, pid, reasonSubscriptionEnded)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "webhook.subscription.ended",
			slog.String("subscription_id", sub.ID),
			slog.String("principal_id", pid),
			slog.Int("sessions", n),
		)
		return nil
	})

	wh.On(stripe.EventTypeCheckoutSessionCompleted, func(ctx context.Context, evt stripe.Event) error {
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		log.InfoContext(ctx, "webhook.checkout.completed",
			slog.String("checkout_session_id", cs.ID),
			slog.String("principal_id", cs.Metadata[principalMetadataKey]),
			slog.Int64("amount_total", cs.AmountTotal),
		)
		return nil
	})
}

var _ principalSessions = (*sessions.Store)(nil)
