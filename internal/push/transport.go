// Package push is the real-time channel transport: named channels carrying
// named events with JSON payloads, delivered at least once.
package push

import "context"

// Handle receives the events of one subscription.
type Handle interface {
	On(event string, fn func(payload []byte))
}

// Transport is a channel subscription transport. Subscriptions do not survive
// a reconnect; OnReconnect callbacks run once the transport is live again so
// the owner can resubscribe.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Handle, error)
	Unsubscribe(channel string) error
	OnReconnect(fn func())
}
