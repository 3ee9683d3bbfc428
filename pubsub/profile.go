package pubsub

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// TableProfiles is the table holding the session claim.
const TableProfiles = "anatoplus_profiles"

// ProfileUpdate is the subset of a profile row change that session handling cares about.
type ProfileUpdate struct {
	Event  string
	UserID string
	// nil if the row has no claimed session, or if the column was not a string.
	LastSessionID *string
}

// DecodeProfileUpdate validates an untyped profile row change. The record must be a JSON object
// with a string user_id; last_session_id is coerced to nil unless it is a string.
func DecodeProfileUpdate(rc *RowChange) (*ProfileUpdate, error) {
	if rc.Table != TableProfiles {
		return nil, fmt.Errorf("DecodeProfileUpdate: change is for table %q", rc.Table)
	}
	if !gjson.ValidBytes(rc.Record) {
		return nil, fmt.Errorf("DecodeProfileUpdate: record is not valid JSON")
	}
	record := gjson.ParseBytes(rc.Record)
	if !record.IsObject() {
		return nil, fmt.Errorf("DecodeProfileUpdate: record is not an object")
	}
	userID := record.Get("user_id")
	if userID.Type != gjson.String || userID.Str == "" {
		return nil, fmt.Errorf("DecodeProfileUpdate: record has no user_id")
	}
	update := &ProfileUpdate{
		Event:  rc.Event,
		UserID: userID.Str,
	}
	lastSessionID := record.Get("last_session_id")
	if lastSessionID.Type == gjson.String {
		s := lastSessionID.Str
		update.LastSessionID = &s
	}
	return update, nil
}
