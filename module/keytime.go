package module

import (
	"slices"
	"time"
)

// AddKeyTime adds a daily checkpoint given as minutes after local midnight.
// Once any key time exists the default wake becomes the next checkpoint
// instead of the polling interval.
func (m *Module) AddKeyTime(minuteOfDay int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if minuteOfDay < 0 || minuteOfDay >= 24*60 {
		m.logger.Error("Key time out of range", "minute", minuteOfDay)
		return
	}
	i, found := slices.BinarySearch(m.keyTimes, minuteOfDay)
	if found {
		return
	}
	m.keyTimes = slices.Insert(m.keyTimes, i, minuteOfDay)
}

// KeyTimes returns the configured checkpoints in ascending order.
func (m *Module) KeyTimes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keyTimes)
}

// KeyID returns the index of the checkpoint now is currently after. Before
// the first checkpoint of the day it is the last checkpoint (of yesterday).
// It returns -1 when no key times are configured.
func (m *Module) KeyID(now time.Time) int {
	m.mu.Lock()
	keys := slices.Clone(m.keyTimes)
	m.mu.Unlock()

	if len(keys) == 0 {
		m.logger.Error("Key ID requested but no key times configured")
		return -1
	}

	id := upcomingKey(keys, now)
	if id == 0 {
		id = len(keys) - 1
	} else {
		id--
	}
	m.logger.Debug("Key ID", "now", now.Format(time.ANSIC), "id", id)
	return id
}

// KeyTime returns the most recent past occurrence of checkpoint id relative
// to now. id -1 selects the checkpoint now is currently after. It returns the
// zero time when no key times are configured.
func (m *Module) KeyTime(now time.Time, id int) time.Time {
	m.mu.Lock()
	keys := slices.Clone(m.keyTimes)
	m.mu.Unlock()

	if len(keys) == 0 {
		m.logger.Error("Key time requested but no key times configured")
		return time.Time{}
	}
	if id >= len(keys) || id < -1 {
		m.logger.Error("Key time requested for unknown id", "id", id)
		return time.Time{}
	}

	nowID := upcomingKey(keys, now)
	dayOffset := 0
	if nowID == 0 {
		dayOffset = -1
		if id == -1 {
			id = len(keys) - 1
		}
	} else {
		if id == -1 {
			id = nowID - 1
		} else if nowID <= id {
			dayOffset = -1
		}
	}

	t := atMinute(now, dayOffset, keys[id])
	m.logger.Debug("Key time", "now", now.Format(time.ANSIC), "id", id, "at", t.Format(time.ANSIC))
	return t
}

// upcomingKey returns the index of the first checkpoint strictly after the
// minute of now, or len(keys) when none is left today.
func upcomingKey(keys []int, now time.Time) int {
	minute := now.Hour()*60 + now.Minute()
	for i, k := range keys {
		if k > minute {
			return i
		}
	}
	return len(keys)
}

func nextKeyTime(keys []int, now time.Time) time.Time {
	id := upcomingKey(keys, now)
	if id == len(keys) {
		return atMinute(now, 1, keys[0])
	}
	return atMinute(now, 0, keys[id])
}

func atMinute(now time.Time, dayOffset, minuteOfDay int) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d+dayOffset, minuteOfDay/60, minuteOfDay%60, 0, 0, now.Location())
}
