package gateway

import "context"

type ctxKey struct{}

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, clientID)
}

// ClientIDFrom returns the id of the WebSocket client that issued the
// current request, or "" for HTTP requests.
func ClientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
