package internal

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry checks for panics by calling recover, reports any panic found to
// sentry, and then reraises the panic. To have tracebacks included in the report to
// sentry, call ReportPanicsToSentry in a deferred statement at the top of a goroutine.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData != nil {
		logger.Error().Str("stack", string(debug.Stack())).Msg(fmt.Sprintf("panic: %v", panicData))
		sentry.CurrentHub().Recover(panicData)
		sentry.Flush(2 * time.Second)
		panic(panicData)
	}
}

// CaptureWithUser reports err to sentry, tagging the event with the given user ID.
func CaptureWithUser(ctx context.Context, userID string, err error) {
	hub := GetSentryHubFromContextOrDefault(ctx).Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID})
	})
	hub.CaptureException(err)
}
