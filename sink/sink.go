package sink

import "context"

// Notifier receives successfully refreshed domain payloads for display to
// end users. Notification is fire-and-forget from the keeper's point of
// view: a sink failure must never block or fail a renewal.
type Notifier interface {
	Notify(ctx context.Context, identity string, data map[string]interface{}) error
}
