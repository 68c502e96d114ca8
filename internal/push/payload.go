package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"medreminder/internal/schedule"
)

const (
	DefaultTitle = "Medicine Reminder"
	DefaultBody  = "Time to take your medicine"
)

// ErrPayloadDecode is reported when a push body is not JSON. The payload is
// still usable: the raw text becomes the body.
var ErrPayloadDecode = errors.New("push payload is not JSON")

// Payload is a decoded push body. MedicineID, ScheduleIndex and FireAt are
// optional references back to the schedule that produced the push.
type Payload struct {
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	MedicineID    string     `json:"medicine_id,omitempty"`
	ScheduleIndex *int       `json:"schedule_index,omitempty"`
	FireAt        *time.Time `json:"fire_at,omitempty"`
}

type wirePayload struct {
	Title         any             `json:"title"`
	Body          any             `json:"body"`
	MedicineID    any             `json:"medicine_id"`
	ScheduleIndex *int            `json:"schedule_index"`
	FireAt        json.RawMessage `json:"fire_at"`
}

// DecodePayload never fails to produce a payload. The error is non-nil only
// when raw was not JSON, in which case the text is used as the body.
func DecodePayload(raw []byte) (Payload, error) {
	p := Payload{Title: DefaultTitle, Body: DefaultBody}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return p, nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		p.Body = string(raw)
		return p, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	if _, ok := v.(map[string]any); !ok {
		// Valid JSON without fields (null, a number, an array).
		return p, nil
	}

	var w wirePayload
	if err := json.Unmarshal(trimmed, &w); err != nil {
		// Field of the wrong shape, e.g. schedule_index as a string.
		var loose map[string]any
		_ = json.Unmarshal(trimmed, &loose)
		w = wirePayload{Title: loose["title"], Body: loose["body"], MedicineID: loose["medicine_id"]}
	}
	if s := text(w.Title); s != "" {
		p.Title = s
	}
	if s := text(w.Body); s != "" {
		p.Body = s
	}
	p.MedicineID = text(w.MedicineID)
	p.ScheduleIndex = w.ScheduleIndex
	p.FireAt = decodeTime(w.FireAt)
	return p, nil
}

// Identity derives the reminder identity for the push. A payload that points
// at a schedule shares its identity with the foreground timer for the same
// minute; anything else gets a synthetic identity from its text.
func (p Payload) Identity(now time.Time) schedule.Identity {
	at := now
	if p.FireAt != nil && !p.FireAt.IsZero() {
		at = *p.FireAt
	}
	if p.MedicineID != "" && p.ScheduleIndex != nil && *p.ScheduleIndex >= 0 {
		return schedule.Identity{MedicineID: p.MedicineID, ScheduleIndex: *p.ScheduleIndex, FireAt: at}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.Title + "|" + p.Body))
	return schedule.Identity{
		MedicineID:    fmt.Sprintf("push:%08x", h.Sum32()),
		ScheduleIndex: schedule.SyntheticIndex,
		FireAt:        at,
	}
}

// text renders a JSON value the way a template would: empty for null, false
// and zero.
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
	}
	return ""
}

// decodeTime accepts RFC 3339 strings and unix milliseconds.
func decodeTime(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil
		}
		return &t
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		return &t
	}
	return nil
}
