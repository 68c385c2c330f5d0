package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsync "filesyncd/internal/sync"
)

func TestParse(t *testing.T) {
	cases := []struct {
		typ   fsync.ScheduleType
		value string
		want  Spec
	}{
		{fsync.ScheduleInterval, "15", Spec{Type: fsync.ScheduleInterval, Every: 15 * time.Minute}},
		{fsync.ScheduleDaily, "02:30", Spec{Type: fsync.ScheduleDaily, Hour: 2, Minute: 30}},
		{fsync.ScheduleCustom, "23:05", Spec{Type: fsync.ScheduleCustom, Hour: 23, Minute: 5}},
		{fsync.ScheduleWeekly, "Monday,10:30", Spec{Type: fsync.ScheduleWeekly, Weekday: time.Monday, Hour: 10, Minute: 30}},
		{fsync.ScheduleWeekly, "fri, 08:00", Spec{Type: fsync.ScheduleWeekly, Weekday: time.Friday, Hour: 8}},
		{fsync.ScheduleMonthly, "15,10:30", Spec{Type: fsync.ScheduleMonthly, Day: 15, Hour: 10, Minute: 30}},
	}
	for _, tc := range cases {
		got, err := Parse(fsync.Schedule{Enabled: true, Type: tc.typ, Value: tc.value})
		require.NoError(t, err, tc.value)
		assert.Equal(t, tc.want, got, tc.value)
	}

	for _, bad := range []fsync.Schedule{
		{Type: fsync.ScheduleInterval, Value: "0"},
		{Type: fsync.ScheduleInterval, Value: "soon"},
		{Type: fsync.ScheduleDaily, Value: "24:00"},
		{Type: fsync.ScheduleWeekly, Value: "10:30"},
		{Type: fsync.ScheduleWeekly, Value: "funday,10:30"},
		{Type: fsync.ScheduleMonthly, Value: "32,10:30"},
		{Type: "hourly", Value: "1"},
	} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, fsync.ErrInvalidSchedule, bad.Value)
	}
}

func TestSpecMatchesAndNext(t *testing.T) {
	// 2024-05-01 is a Wednesday.
	now := time.Date(2024, 5, 1, 10, 30, 20, 0, time.UTC)

	daily := Spec{Type: fsync.ScheduleDaily, Hour: 10, Minute: 30}
	assert.True(t, daily.Matches(now))
	assert.False(t, daily.Matches(now.Add(time.Minute)))
	assert.Equal(t, time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC), daily.Next(now))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), daily.Next(now.Add(-time.Hour)))

	weekly := Spec{Type: fsync.ScheduleWeekly, Weekday: time.Monday, Hour: 10, Minute: 30}
	assert.False(t, weekly.Matches(now))
	assert.Equal(t, time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC), weekly.Next(now))

	monthly := Spec{Type: fsync.ScheduleMonthly, Day: 31, Hour: 10, Minute: 30}
	assert.False(t, monthly.Matches(now))
	assert.Equal(t, time.Date(2024, 5, 31, 10, 30, 0, 0, time.UTC), monthly.Next(now))
	// June has no 31st
	assert.Equal(t, time.Date(2024, 7, 31, 10, 30, 0, 0, time.UTC), monthly.Next(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	interval := Spec{Type: fsync.ScheduleInterval, Every: 5 * time.Minute}
	assert.False(t, interval.Matches(now))
	assert.Equal(t, now.Add(5*time.Minute), interval.Next(now))
}

func TestCalendarEntryFiresOncePerMinute(t *testing.T) {
	e := &entry{spec: Spec{Type: fsync.ScheduleCustom, Hour: 2, Minute: 30}}
	at := time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC)

	assert.True(t, e.due(at))
	assert.False(t, e.due(at.Add(30*time.Second)))
	assert.False(t, e.due(at.Add(time.Minute)))
	assert.True(t, e.due(at.Add(24*time.Hour)))
}

func TestMonthlyMissedTickIsNotCaughtUp(t *testing.T) {
	e := &entry{spec: Spec{Type: fsync.ScheduleMonthly, Day: 15, Hour: 10, Minute: 30}}
	// process was down at 10:30 on the 15th
	assert.False(t, e.due(time.Date(2024, 5, 15, 10, 31, 0, 0, time.UTC)))
	assert.False(t, e.due(time.Date(2024, 5, 16, 10, 30, 0, 0, time.UTC)))
	assert.True(t, e.due(time.Date(2024, 6, 15, 10, 30, 5, 0, time.UTC)))
}

func TestIntervalEntrySkipsMissedSlots(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := &entry{spec: Spec{Type: fsync.ScheduleInterval, Every: 5 * time.Minute}, next: t0}

	assert.True(t, e.due(t0.Add(17*time.Minute)))
	assert.Equal(t, t0.Add(20*time.Minute), e.next)
	assert.False(t, e.due(t0.Add(19*time.Minute)))
}
