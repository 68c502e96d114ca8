package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"medreminder/internal/notifier"
)

func TestRepeatedTagReplaces(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(&buf)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	if p, err := s.RequestPermission(ctx); err != nil || p != notifier.PermissionGranted {
		t.Fatalf("RequestPermission = %s, %v", p, err)
	}
	_ = s.Show(ctx, notifier.Notification{Tag: "a", Title: "Time to take: Aspirin", Body: "1 tablet", At: at})
	_ = s.Show(ctx, notifier.Notification{Tag: "a", Title: "Time to take: Aspirin", Body: "2 tablets", At: at})
	_ = s.Show(ctx, notifier.Notification{Tag: "b", Title: "Medicine Reminder", Body: "Time to take your medicine", At: at.Add(time.Minute)})

	active := s.Active()
	if len(active) != 2 || active[0].Body != "2 tablets" {
		t.Fatalf("active = %+v", active)
	}
	out := buf.String()
	if !strings.Contains(out, "[08:00] REMINDER Time to take: Aspirin: 1 tablet") || !strings.Contains(out, "REMINDER (updated)") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	_ = s.Close(ctx, "a")
	if active := s.Active(); len(active) != 1 || active[0].Tag != "b" {
		t.Fatalf("after close: %+v", active)
	}
}

func TestActiveSetIsBounded(t *testing.T) {
	t.Parallel()
	s := New(nil, WithMaxActive(3))
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	for i, tag := range []string{"a", "b", "c", "d", "e"} {
		_ = s.Show(ctx, notifier.Notification{Tag: tag, Title: "Medicine Reminder", At: at.Add(time.Duration(i) * time.Minute)})
	}
	active := s.Active()
	if len(active) != 3 || active[0].Tag != "c" || active[2].Tag != "e" {
		t.Fatalf("active = %+v", active)
	}

	_ = s.Close(ctx, "d")
	_ = s.Show(ctx, notifier.Notification{Tag: "f", At: at.Add(10 * time.Minute)})
	_ = s.Show(ctx, notifier.Notification{Tag: "g", At: at.Add(11 * time.Minute)})
	active = s.Active()
	if len(active) != 3 || active[0].Tag != "e" || active[1].Tag != "f" || active[2].Tag != "g" {
		t.Fatalf("after close and refill: %+v", active)
	}
}
