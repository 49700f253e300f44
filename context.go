package dbus

import "context"

// senderContextKey is the context key that carries the sender of a
// DBus message being dispatched to an exported method or signal
// handler.
type senderContextKey struct{}

// withContextSender augments ctx with the unique bus name of a
// message's sender.
func withContextSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderContextKey{}, sender)
}

// ContextSender extracts the unique bus name of the peer that sent the
// message currently being handled, and reports whether that
// information was present in ctx.
//
// Sender information is available within method implementations
// registered with [Conn.Export] or [Conn.Handle]. Signals delivered
// through a [Watcher] carry their sender in [Notification] instead.
func ContextSender(ctx context.Context) (string, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
