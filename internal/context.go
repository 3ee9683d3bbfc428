package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "anatoplus_data"
)

// logging metadata for a single request
type data struct {
	userID   string
	deviceID string
	state    string
	waited   bool
}

// prepare a request context so it can contain session info
func RequestContext(ctx context.Context) context.Context {
	d := &data{}
	return context.WithValue(ctx, ctxData, d)
}

// add the user ID to this request context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

// add the device and the resulting guard state to this request context.
func SetRequestContextDeviceInfo(ctx context.Context, deviceID, state string, waited bool) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.deviceID = deviceID
	da.state = state
	da.waited = waited
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.deviceID != "" {
		l = l.Str("dev", da.deviceID)
	}
	if da.state != "" {
		l = l.Str("s", da.state)
	}
	if da.waited {
		l = l.Bool("w", true)
	}
	return l
}
