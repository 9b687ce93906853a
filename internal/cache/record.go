// Package cache implements the registration record cache: canonical record
// model, per-event indices, filtered reads and derived statistics on top of
// the key-value store.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical check-in vocabulary. Upstream encodings are mapped onto these
// two values at the ingestion boundary.
const (
	CheckedIn    = "checked_in"
	NotCheckedIn = "not_checked_in"
)

// ErrNotNormalizable marks a payload that cannot be mapped onto the canonical
// record shape. Such payloads are quarantined, never stored.
var ErrNotNormalizable = errors.New("payload cannot be normalized into a record")

// Record is one registration belonging to one event.
type Record struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	CheckInStatus string    `json:"check_in_status"`
	GroupMember   bool      `json:"group_member"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Normalize maps a raw upstream payload with arbitrary field spellings and
// casings into a canonical Record. A payload without a resolvable record ID
// or owning event ID is rejected with ErrNotNormalizable.
func Normalize(raw map[string]any) (*Record, error) {
	fields := make(map[string]any, len(raw))
	for key, value := range raw {
		fields[canonicalKey(key)] = value
	}

	rec := &Record{
		ID:        stringField(fields, "id", "recordid", "registrationid"),
		EventID:   stringField(fields, "eventid", "event"),
		FirstName: stringField(fields, "firstname", "first"),
		LastName:  stringField(fields, "lastname", "last"),
		Email:     stringField(fields, "email", "emailaddress"),
		Phone:     stringField(fields, "phone", "phonenumber"),
	}

	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing record ID", ErrNotNormalizable)
	}
	if rec.EventID == "" {
		return nil, fmt.Errorf("%w: missing event ID", ErrNotNormalizable)
	}

	rec.CheckInStatus = NormalizeCheckIn(anyField(fields, "checkinstatus", "checkedin", "checkin", "status"))
	rec.GroupMember = truthy(anyField(fields, "groupmember", "isgroupregistration", "group"))

	if modified := stringField(fields, "lastmodified", "modifiedat", "updatedat"); modified != "" {
		if ts, err := parseTimestamp(modified); err == nil {
			rec.Version = ts.UnixMilli()
			rec.UpdatedAt = ts
		}
	}
	// No upstream timestamp leaves Version at zero, so replaying an
	// identical payload yields an identical record.

	return rec, nil
}

// NormalizeCheckIn maps heterogeneous upstream check-in encodings ("Checked
// In", true, "true", "checked_in", ...) onto the canonical vocabulary.
// Anything unrecognized counts as not checked in.
func NormalizeCheckIn(value any) string {
	if truthy(value) {
		return CheckedIn
	}
	if s, ok := value.(string); ok {
		switch canonicalKey(s) {
		case "checkedin", "checkin", "arrived", "present":
			return CheckedIn
		}
	}
	return NotCheckedIn
}

// canonicalKey lowercases a field name and strips separators, so
// "Check-In Status", "checkin_status" and "CheckInStatus" all collapse to
// "checkinstatus".
func canonicalKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func anyField(fields map[string]any, names ...string) any {
	for _, name := range names {
		if value, ok := fields[name]; ok && value != nil {
			return value
		}
	}
	return nil
}

func stringField(fields map[string]any, names ...string) string {
	switch value := anyField(fields, names...).(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", value), "0"), ".")
	default:
		return ""
	}
}

// truthy interprets the boolean-ish encodings upstream uses for flags.
func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch canonicalKey(v) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
