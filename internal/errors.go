package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// EnvDebug is the environment variable which turns failed assertions into panics.
const EnvDebug = "ANATOPLUS_DEBUG"

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Err.Error()}
	b, _ := json.Marshal(je)
	return b
}

// ExpiredSessionError is returned when a device ID is no longer known to the server, either
// because it logged out or because it was idle for too long.
func ExpiredSessionError() *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusGone,
		Err:        errors.New("unknown or expired device"),
	}
}

// WriteError writes err to w as a JSON error body. Errors which are not *HandlerError are sent as
// HTTP 500.
func WriteError(w http.ResponseWriter, err error) {
	var herr *HandlerError
	if !errors.As(err, &herr) {
		herr = &HandlerError{
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and ANATOPLUS_DEBUG=1 then the program panics.
// If expr is false and ANATOPLUS_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("subscription is nil before initialise", sub == nil)
//
// Which then produces:
//
//	assertion failed: subscription is nil before initialise
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv(EnvDebug) == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
