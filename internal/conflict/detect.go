package conflict

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// DefaultTolerance absorbs clock skew between devices and near-simultaneous
// writes from the same device.
const DefaultTolerance = 5 * time.Second

// timestampFields are stamped on every write and never count as a
// divergence on their own.
var timestampFields = []string{"created_at", "updated_at"}

// mergeIgnoredFields are left out when deciding whether a field merge is
// safe. The device tag is kept from the server copy.
var mergeIgnoredFields = []string{"created_at", "updated_at", "device_id"}

// Detector decides whether a local record and the server copy conflict.
type Detector struct {
	Tolerance time.Duration

	now func() time.Time
}

// NewDetector returns a detector with the given tolerance. Zero means
// DefaultTolerance.
func NewDetector(tolerance time.Duration) *Detector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	return &Detector{Tolerance: tolerance, now: time.Now}
}

// Detect returns a Conflict when server is present, the payloads differ
// after canonicalisation, and their timestamps are more than Tolerance
// apart. Otherwise it returns nil.
func (d *Detector) Detect(t models.EntityType, local, server json.RawMessage) *Conflict {
	if isAbsent(server) {
		return nil
	}

	if Equivalent(local, server) {
		return nil
	}

	lt, lok := timestampOf(local)
	st, sok := timestampOf(server)

	if lok && sok {
		skew := lt.Sub(st)
		if skew < 0 {
			skew = -skew
		}

		if skew <= d.Tolerance {
			return nil
		}
	}

	now := d.now()
	entityID := gjson.GetBytes(local, "id").String()

	return &Conflict{
		ID:         conflictID(t, entityID, now),
		Type:       t,
		EntityID:   entityID,
		LocalData:  append(json.RawMessage(nil), local...),
		ServerData: append(json.RawMessage(nil), server...),
		DetectedAt: now,
	}
}

// Equivalent reports whether two payloads carry the same domain data,
// ignoring key order, Unicode normalisation form, null-or-empty fields,
// and timestamps. The device tag is data: rows differing only in
// device_id are not equivalent.
func Equivalent(a, b json.RawMessage) bool {
	ca, err := canonical(a, timestampFields)
	if err != nil {
		return false
	}

	cb, err := canonical(b, timestampFields)
	if err != nil {
		return false
	}

	return bytes.Equal(ca, cb)
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// timestampOf reads updated_at, falling back to created_at.
func timestampOf(raw json.RawMessage) (time.Time, bool) {
	res := gjson.GetManyBytes(raw, "updated_at", "created_at")
	for _, r := range res {
		if t, ok := models.ParseTime(r.String()); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

// canonical re-encodes raw with sorted keys and NFC-normalised strings.
// Top-level keys in drop, and top-level null or empty-string values, are
// removed.
func canonical(raw json.RawMessage, drop []string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	if obj, ok := v.(map[string]any); ok {
		for _, k := range drop {
			delete(obj, k)
		}

		for k, val := range obj {
			if val == nil || val == "" {
				delete(obj, k)
			}
		}
	}

	return json.Marshal(normalize(v))
}

func normalize(v any) any {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[norm.NFC.String(k)] = normalize(val)
		}

		return out
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}

		return x
	}

	return v
}
