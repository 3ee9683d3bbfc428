package shell

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pukassein/anatoplus/guard"
	"github.com/pukassein/anatoplus/identity"
	"github.com/pukassein/anatoplus/testutils"
)

type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	store *memoryStore
	conns *ConnMap
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ps, feed := newFeed(t)
	store := newMemoryStore(ps)
	conns := NewConnMap(time.Minute)
	h := NewHandler(identity.NewJWTVerifier(testSecret), store, feed, conns, guard.NewMetrics())
	srv := httptest.NewServer(NewServer(h))
	t.Cleanup(func() {
		srv.Close()
		conns.Teardown()
	})
	return &testServer{t: t, srv: srv, store: store, conns: conns}
}

func (s *testServer) do(method, path, accessToken string) (int, gjson.Result) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, nil)
	if err != nil {
		s.t.Fatalf("NewRequest: %s", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	res, err := s.srv.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %s", method, path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		s.t.Fatalf("%s %s: failed to read body: %s", method, path, err)
	}
	return res.StatusCode, gjson.ParseBytes(body)
}

func (s *testServer) login(accessToken string) string {
	s.t.Helper()
	code, body := s.do("POST", "/session/v1/login", accessToken)
	if code != 200 {
		s.t.Fatalf("login: HTTP %d %s", code, body.Raw)
	}
	if body.Get("state").Str != "active" {
		s.t.Fatalf("login: state %s", body.Get("state").Str)
	}
	return body.Get("device_id").Str
}

func (s *testServer) status(accessToken, deviceID, since string) gjson.Result {
	s.t.Helper()
	path := fmt.Sprintf("/session/v1/status?device_id=%s&timeout=2000", deviceID)
	if since != "" {
		path += "&since=" + since
	}
	code, body := s.do("GET", path, accessToken)
	if code != 200 {
		s.t.Fatalf("status: HTTP %d %s", code, body.Raw)
	}
	return body
}

func TestHandlerTakeoverFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := testutils.NewUserID()
	token := testutils.NewAccessToken(t, testSecret, alice, "alice@example.com", time.Hour)

	t.Log("Alice logs in on device 1.")
	d1 := ts.login(token)
	if st := ts.status(token, d1, ""); st.Get("state").Str != "active" || st.Get("blocked").Bool() {
		t.Fatalf("device 1 status: %s", st.Raw)
	}

	t.Log("Alice logs in on device 2. Device 1's long poll returns blocked.")
	d2 := ts.login(token)
	if d1 == d2 {
		t.Fatalf("both logins got device %s", d1)
	}
	st := ts.status(token, d1, "active")
	if st.Get("state").Str != "blocked" || !st.Get("blocked").Bool() {
		t.Fatalf("device 1 status after takeover: %s", st.Raw)
	}

	t.Log("Device 1 reclaims. Device 2's long poll returns blocked.")
	code, body := ts.do("POST", "/session/v1/reclaim?device_id="+d1, token)
	if code != 200 {
		t.Fatalf("reclaim: HTTP %d %s", code, body.Raw)
	}
	if s := body.Get("state").Str; s != "active" && s != "reclaiming" {
		t.Fatalf("reclaim: state %s", s)
	}
	st = ts.status(token, d2, "active")
	if st.Get("state").Str != "blocked" {
		t.Fatalf("device 2 status after reclaim: %s", st.Raw)
	}

	t.Log("Device 2 logs out. The device is forgotten and the claim stays with device 1.")
	code, body = ts.do("POST", "/session/v1/logout?device_id="+d2, token)
	if code != 200 {
		t.Fatalf("logout: HTTP %d %s", code, body.Raw)
	}
	code, _ = ts.do("GET", "/session/v1/status?device_id="+d2, token)
	if code != http.StatusGone {
		t.Fatalf("status for logged out device: HTTP %d want 410", code)
	}
	if got := ts.store.lastSessionID(alice); got != d1 {
		t.Fatalf("claim after logout: got %s want %s", got, d1)
	}
}

func TestHandlerLoginReturnsUser(t *testing.T) {
	ts := newTestServer(t)
	alice := testutils.NewUserID()
	code, body := ts.do("POST", "/session/v1/login", testutils.NewAccessToken(t, testSecret, alice, "alice@example.com", time.Hour))
	if code != 200 {
		t.Fatalf("login: HTTP %d %s", code, body.Raw)
	}
	if body.Get("user.id").Str != alice || body.Get("user.name").Str != "alice" || body.Get("user.role").Str != "student" {
		t.Fatalf("login: unexpected user %s", body.Get("user").Raw)
	}
}

func TestHandlerStatusTimeout(t *testing.T) {
	ts := newTestServer(t)
	token := testutils.NewAccessToken(t, testSecret, testutils.NewUserID(), "alice@example.com", time.Hour)
	d1 := ts.login(token)
	start := time.Now()
	code, body := ts.do("GET", "/session/v1/status?since=active&timeout=100&device_id="+d1, token)
	if code != 200 {
		t.Fatalf("status: HTTP %d %s", code, body.Raw)
	}
	if body.Get("state").Str != "active" {
		t.Fatalf("status: %s", body.Raw)
	}
	if took := time.Since(start); took < 100*time.Millisecond {
		t.Fatalf("status returned after %v, before the timeout", took)
	}
}

func TestHandlerReclaimStoreFailure(t *testing.T) {
	ts := newTestServer(t)
	token := testutils.NewAccessToken(t, testSecret, testutils.NewUserID(), "alice@example.com", time.Hour)
	d1 := ts.login(token)
	ts.login(token)
	if st := ts.status(token, d1, "active"); st.Get("state").Str != "blocked" {
		t.Fatalf("device 1 not blocked: %s", st.Raw)
	}
	ts.store.failWrites(fmt.Errorf("connection refused"))
	code, body := ts.do("POST", "/session/v1/reclaim?device_id="+d1, token)
	if code != http.StatusBadGateway {
		t.Fatalf("reclaim: HTTP %d want 502: %s", code, body.Raw)
	}
	if body.Get("error").Str == "" {
		t.Fatalf("reclaim: missing error message: %s", body.Raw)
	}
	if st := ts.status(token, d1, ""); st.Get("state").Str != "blocked" {
		t.Fatalf("device 1 unblocked by a failed reclaim: %s", st.Raw)
	}
}

func TestHandlerAuthErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := testutils.NewAccessToken(t, testSecret, testutils.NewUserID(), "alice@example.com", time.Hour)
	bob := testutils.NewAccessToken(t, testSecret, testutils.NewUserID(), "bob@example.com", time.Hour)
	expired := testutils.NewAccessToken(t, testSecret, testutils.NewUserID(), "carol@example.com", -time.Hour)
	d1 := ts.login(alice)

	testCases := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
	}{
		{"login without token", "POST", "/session/v1/login", "", 401},
		{"login with expired token", "POST", "/session/v1/login", expired, 401},
		{"login with garbage token", "POST", "/session/v1/login", "not-a-jwt", 401},
		{"status without device", "GET", "/session/v1/status", alice, 400},
		{"status for unknown device", "GET", "/session/v1/status?device_id=nope", alice, 410},
		{"status for another user's device", "GET", "/session/v1/status?device_id=" + d1, bob, 403},
		{"reclaim for another user's device", "POST", "/session/v1/reclaim?device_id=" + d1, bob, 403},
		{"logout for another user's device", "POST", "/session/v1/logout?device_id=" + d1, bob, 403},
		{"bad timeout", "GET", "/session/v1/status?timeout=soon&device_id=" + d1, alice, 400},
		{"unknown since state", "GET", "/session/v1/status?since=asleep&device_id=" + d1, alice, 400},
		{"wrong method", "GET", "/session/v1/login", alice, 405},
	}
	for _, tc := range testCases {
		code, body := ts.do(tc.method, tc.path, tc.token)
		if code != tc.wantCode {
			t.Errorf("%s: got HTTP %d want %d: %s", tc.name, code, tc.wantCode, body.Raw)
		}
	}
	if ts.conns.Shell(d1) == nil {
		t.Fatalf("device logged out by another user")
	}
}

func TestHandlerRefresh(t *testing.T) {
	ts := newTestServer(t)
	alice := testutils.NewUserID()
	token := testutils.NewAccessToken(t, testSecret, alice, "alice@example.com", time.Hour)
	d1 := ts.login(token)
	refreshed := testutils.NewAccessToken(t, testSecret, alice, "alice@example.com", 2*time.Hour)
	code, body := ts.do("POST", "/session/v1/refresh?device_id="+d1, refreshed)
	if code != 200 {
		t.Fatalf("refresh: HTTP %d %s", code, body.Raw)
	}
	if body.Get("device_id").Str != d1 || body.Get("user.id").Str != alice {
		t.Fatalf("refresh: %s", body.Raw)
	}
	if ts.conns.NumDevices(alice) != 1 {
		t.Fatalf("refresh changed the device count to %d", ts.conns.NumDevices(alice))
	}
}

func TestHandlerRefreshToAnotherUser(t *testing.T) {
	ts := newTestServer(t)
	alice := testutils.NewUserID()
	bob := testutils.NewUserID()
	aliceToken := testutils.NewAccessToken(t, testSecret, alice, "alice@example.com", time.Hour)
	bobToken := testutils.NewAccessToken(t, testSecret, bob, "bob@example.com", time.Hour)
	d1 := ts.login(aliceToken)

	t.Log("The client on device 1 switches to bob's account.")
	code, body := ts.do("POST", "/session/v1/refresh?device_id="+d1, bobToken)
	if code != 200 {
		t.Fatalf("refresh: HTTP %d %s", code, body.Raw)
	}
	if body.Get("device_id").Str != d1 || body.Get("user.id").Str != bob || body.Get("state").Str != "active" {
		t.Fatalf("refresh: %s", body.Raw)
	}
	if ts.conns.NumDevices(alice) != 0 || ts.conns.NumDevices(bob) != 1 {
		t.Fatalf("devices: alice=%d bob=%d, want 0 and 1", ts.conns.NumDevices(alice), ts.conns.NumDevices(bob))
	}
	if got := ts.store.lastSessionID(bob); got != d1 {
		t.Fatalf("claim for bob: got %q want %s", got, d1)
	}

	t.Log("The device now belongs to bob, so alice's token is refused.")
	code, _ = ts.do("GET", "/session/v1/status?device_id="+d1, aliceToken)
	if code != http.StatusForbidden {
		t.Fatalf("status with alice's token: HTTP %d want 403", code)
	}
	if st := ts.status(bobToken, d1, ""); st.Get("state").Str != "active" {
		t.Fatalf("status with bob's token: %s", st.Raw)
	}
}

func TestHandlerCORS(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest("OPTIONS", ts.srv.URL+"/session/v1/login", nil)
	res, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %s", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 || res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("OPTIONS: HTTP %d headers %v", res.StatusCode, res.Header)
	}
}
