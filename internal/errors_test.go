package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/tidwall/gjson"
)

func TestAssertion(t *testing.T) {
	os.Setenv(EnvDebug, "1")
	defer os.Unsetenv(EnvDebug)
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv(EnvDebug, "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if ANATOPLUS_DEBUG is not 1", false)
	})
}

func TestWriteError(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "handler error keeps its status",
			err:        &HandlerError{StatusCode: 400, Err: errors.New("bad device_id")},
			wantStatus: 400,
			wantMsg:    "bad device_id",
		},
		{
			name:       "plain errors are 500s",
			err:        errors.New("boom"),
			wantStatus: 500,
			wantMsg:    "boom",
		},
		{
			name:       "expired sessions are 410s",
			err:        ExpiredSessionError(),
			wantStatus: http.StatusGone,
			wantMsg:    "unknown or expired device",
		},
	}
	for _, tc := range testCases {
		w := httptest.NewRecorder()
		WriteError(w, tc.err)
		if w.Code != tc.wantStatus {
			t.Errorf("%s: got status %d want %d", tc.name, w.Code, tc.wantStatus)
		}
		got := gjson.GetBytes(w.Body.Bytes(), "error").Str
		if got != tc.wantMsg {
			t.Errorf("%s: got error %q want %q", tc.name, got, tc.wantMsg)
		}
	}
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
