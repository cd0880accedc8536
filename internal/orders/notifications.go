package orders

import (
	"context"
	"fmt"

	"github.com/safar/go-sql-marketplace/internal/models"
)

type notice struct {
	userID  string
	message string
}

// sellerNotices addresses format to each distinct owner of the stores
// behind items. A lookup failure costs the seller notices, nothing else.
func (e *Engine) sellerNotices(ctx context.Context, items []models.OrderItem, format, orderID string) []notice {
	seen := map[string]bool{}
	var storeIDs []string
	for _, item := range items {
		if !seen[item.StoreID] {
			seen[item.StoreID] = true
			storeIDs = append(storeIDs, item.StoreID)
		}
	}

	owners, err := storeOwners(context.WithoutCancel(ctx), e.db, storeIDs)
	if err != nil {
		e.metrics.NotificationFailed("seller_lookup")
		e.logger.Error(e.logger.WithOrderID(ctx, orderID), "resolve sellers for notification", err)
		return nil
	}

	notices := make([]notice, 0, len(owners))
	for _, owner := range owners {
		notices = append(notices, notice{userID: owner, message: fmt.Sprintf(format, orderID)})
	}
	return notices
}

// notify delivers notices after the state change has committed. Failures
// are logged and counted, never returned. The caller's cancellation does not
// cut delivery short, but the engine's own timeout does.
func (e *Engine) notify(ctx context.Context, event string, notices []notice) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	sent := map[notice]bool{}
	for _, n := range notices {
		if n.userID == "" || sent[n] {
			continue
		}
		sent[n] = true

		if err := e.sink.Notify(ctx, n.userID, n.message); err != nil {
			e.metrics.NotificationFailed(event)
			logCtx := e.logger.WithFields(ctx, map[string]any{
				"event":     event,
				"recipient": n.userID,
			})
			e.logger.Warn(e.logger.WithField(logCtx, "error", err.Error()), "notification not delivered")
		}
	}
}
