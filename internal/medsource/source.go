// Package medsource loads the medicine list the reminder engine is built from,
// either from the authenticated CRUD backend (GET /medicines) or from a local
// JSON/YAML file with the same shape.
package medsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

var (
	// ErrUnauthorized means the session is over; callers cancel all reminders.
	ErrUnauthorized = errors.New("medicine source: unauthorized")
	ErrBadPayload   = errors.New("medicine source: bad payload")
)

type Source interface {
	Medicines(ctx context.Context) ([]schedule.Medicine, error)
}

type wireList struct {
	Medicines []wireMedicine `json:"medicines"`
}

type wireMedicine struct {
	ID           flexString     `json:"id"`
	Name         string         `json:"name"`
	Dosage       string         `json:"dosage"`
	Instructions string         `json:"instructions"`
	Schedules    []wireSchedule `json:"schedules"`
}

type wireSchedule struct {
	Time string   `json:"time"`
	Days flexDays `json:"days"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// flexDays accepts a list of weekday names or one comma separated string.
type flexDays []string

func (f *flexDays) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*f = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = splitDays(s)
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	out := make([]string, 0, len(list))
	for _, raw := range list {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("weekday must be a string or number: %s", raw)
		}
		out = append(out, strconv.Itoa(n))
	}
	*f = out
	return nil
}

func splitDays(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decode converts the wire payload. Schedules that do not parse are kept
// with Hour -1 so indexes stay stable and the registry reports them.
func decode(data []byte, log logx.Logger) ([]schedule.Medicine, error) {
	var wl wireList
	if err := json.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	out := make([]schedule.Medicine, 0, len(wl.Medicines))
	for _, wm := range wl.Medicines {
		m := schedule.Medicine{
			ID:           string(wm.ID),
			Name:         wm.Name,
			Dosage:       wm.Dosage,
			Instructions: wm.Instructions,
			Schedules:    make([]schedule.Schedule, 0, len(wm.Schedules)),
		}
		if m.ID == "" {
			log.Warn("medicine without id skipped", logx.String("name", wm.Name))
			continue
		}
		for i, ws := range wm.Schedules {
			s, err := schedule.Parse(ws.Time, ws.Days)
			if err != nil {
				if s == (schedule.Schedule{}) {
					s.Hour = -1
				}
				log.Debug("unparseable schedule kept as invalid",
					logx.String("medicine", m.ID),
					logx.Int("index", i),
					logx.Err(err),
				)
			}
			m.Schedules = append(m.Schedules, s)
		}
		out = append(out, m)
	}
	return out, nil
}
