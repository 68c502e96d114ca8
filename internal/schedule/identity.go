package schedule

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

// SyntheticIndex marks an identity that does not point at a real schedule
// (e.g. a push payload without a medicine reference).
const SyntheticIndex = -1

// Identity names one logical occurrence across delivery paths.
// Two identities with the same medicine, schedule index and fire minute are the
// same reminder, whichever path delivered them.
type Identity struct {
	MedicineID    string
	ScheduleIndex int
	FireAt        time.Time
}

// Key is the dedup key: medicine, schedule index and the fire instant truncated
// to the minute in UTC.
func (id Identity) Key() string {
	at := id.FireAt.UTC().Truncate(time.Minute)
	return id.MedicineID + ":" + strconv.Itoa(id.ScheduleIndex) + ":" + at.Format("20060102T1504")
}

// Tag is a short stable hash of Key used as the platform notification tag.
func (id Identity) Tag() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.Key()))
	return fmt.Sprintf("rem-%016x", h.Sum64())
}

func (id Identity) Synthetic() bool { return id.ScheduleIndex == SyntheticIndex }

func (id Identity) String() string { return id.Key() }
