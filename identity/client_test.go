package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/auth/v1/user" {
			w.WriteHeader(404)
			return
		}
		if req.Header.Get("apikey") != "anon" {
			w.WriteHeader(400)
			return
		}
		switch req.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"id":"3c6b","email":"alice@example.com","role":"authenticated"}`))
		case "Bearer broken":
			w.Write([]byte(`{"email":"alice@example.com"}`))
		case "Bearer flaky":
			w.WriteHeader(503)
		default:
			w.WriteHeader(401)
		}
	}))
	defer srv.Close()
	client := &HTTPClient{
		Client:  srv.Client(),
		AuthURL: srv.URL + "/",
		APIKey:  "anon",
	}
	ctx := context.Background()

	s, err := client.Verify(ctx, "good")
	if err != nil {
		t.Fatalf("Verify(good): %s", err)
	}
	if s.UserID != "3c6b" || s.Email != "alice@example.com" || s.AccessToken != "good" {
		t.Fatalf("Verify(good): got %+v", s)
	}

	for _, tok := range []string{"", "bad"} {
		if _, err = client.Verify(ctx, tok); !errors.Is(err, ErrUnauthorised) {
			t.Errorf("Verify(%q): got %v want ErrUnauthorised", tok, err)
		}
	}
	t.Log("Server errors and bad responses are not auth failures.")
	for _, tok := range []string{"flaky", "broken"} {
		_, err = client.Verify(ctx, tok)
		if err == nil || errors.Is(err, ErrUnauthorised) {
			t.Errorf("Verify(%q): got %v want a non-auth error", tok, err)
		}
	}
}
