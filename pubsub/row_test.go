package pubsub

import (
	"testing"
	"time"
)

func TestFeedFiltersByRowAndEvent(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	feed := NewFeed(ps)

	got := make(chan *RowChange, 10)
	h, err := feed.Subscribe(TableProfiles, "alice", "update", func(rc *RowChange) {
		got <- rc
	})
	if err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	mustPublish := func(key, event string) {
		t.Helper()
		err := PublishRowChange(ps, key, &RowChange{
			Table:  TableProfiles,
			Event:  event,
			Record: []byte(`{"user_id":"` + key + `"}`),
		})
		if err != nil {
			t.Fatalf("PublishRowChange: %s", err)
		}
	}
	mustPublish("alice", EventInsert)
	mustPublish("bob", EventUpdate)
	mustPublish("alice", EventUpdate)

	select {
	case rc := <-got:
		if rc.Event != EventUpdate || string(rc.Record) != `{"user_id":"alice"}` {
			t.Fatalf("got %+v, want alice's UPDATE", rc)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for alice's UPDATE")
	}
	select {
	case rc := <-got:
		t.Fatalf("unexpected change %+v", rc)
	case <-time.After(100 * time.Millisecond):
	}

	t.Log("After unsubscribing, nothing more is delivered and the handle can be released again.")
	if err := feed.Unsubscribe(h); err != nil {
		t.Fatalf("Unsubscribe: %s", err)
	}
	if err := feed.Unsubscribe(h); err != nil {
		t.Fatalf("Unsubscribe twice: %s", err)
	}
	if n := ps.numSubscriptions(RowChannel(TableProfiles, "alice")); n != 0 {
		t.Fatalf("numSubscriptions: got %d want 0", n)
	}
	mustPublish("alice", EventUpdate)
	select {
	case rc := <-got:
		t.Fatalf("change delivered after unsubscribe: %+v", rc)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeedSubscribeRequiresRow(t *testing.T) {
	feed := NewFeed(NewPubSub(1))
	if _, err := feed.Subscribe(TableProfiles, "", EventUpdate, func(rc *RowChange) {}); err == nil {
		t.Fatalf("Subscribe without a row filter succeeded")
	}
}

func TestDecodeProfileUpdate(t *testing.T) {
	token := "tokenA"
	testCases := []struct {
		name    string
		rc      RowChange
		wantErr bool
		want    *string
	}{
		{
			name: "string session id",
			rc:   RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"user_id":"u","last_session_id":"tokenA"}`)},
			want: &token,
		},
		{
			name: "null session id",
			rc:   RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"user_id":"u","last_session_id":null}`)},
		},
		{
			name: "missing session id",
			rc:   RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"user_id":"u","full_name":"x"}`)},
		},
		{
			name: "numeric session id is coerced to nil",
			rc:   RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"user_id":"u","last_session_id":42}`)},
		},
		{
			name:    "wrong table",
			rc:      RowChange{Table: "plans", Event: EventUpdate, Record: []byte(`{"user_id":"u"}`)},
			wantErr: true,
		},
		{
			name:    "not an object",
			rc:      RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`["u"]`)},
			wantErr: true,
		},
		{
			name:    "invalid json",
			rc:      RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"user_id":`)},
			wantErr: true,
		},
		{
			name:    "no user id",
			rc:      RowChange{Table: TableProfiles, Event: EventUpdate, Record: []byte(`{"last_session_id":"tokenA"}`)},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		rc := tc.rc
		update, err := DecodeProfileUpdate(&rc)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: wanted error, got %+v", tc.name, update)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %s", tc.name, err)
			continue
		}
		if update.UserID != "u" {
			t.Errorf("%s: got user %q want u", tc.name, update.UserID)
		}
		switch {
		case tc.want == nil && update.LastSessionID != nil:
			t.Errorf("%s: got session %q want nil", tc.name, *update.LastSessionID)
		case tc.want != nil && (update.LastSessionID == nil || *update.LastSessionID != *tc.want):
			t.Errorf("%s: got session %v want %q", tc.name, update.LastSessionID, *tc.want)
		}
	}
}
