package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemote(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))

	tests := []struct {
		name        string
		rules       []string
		wantRule    string
		wantCount   int
		wantUntil   string
		wantExcepts []string
		wantErr     bool
	}{
		{
			name:      "weekly with count",
			rules:     []string{"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5"},
			wantRule:  "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5",
			wantCount: 5,
		},
		{
			name:      "until mirrored onto the struct",
			rules:     []string{"RRULE:FREQ=DAILY;UNTIL=20261001T000000Z"},
			wantRule:  "FREQ=DAILY;UNTIL=20261001T000000Z",
			wantUntil: "2026-10-01",
		},
		{
			name: "exdate lines collected",
			rules: []string{
				"RRULE:FREQ=WEEKLY;BYDAY=MO",
				"EXDATE:20260914T100000Z,20260921T100000Z",
			},
			wantRule:    "FREQ=WEEKLY;BYDAY=MO",
			wantExcepts: []string{"2026-09-14", "2026-09-21"},
		},
		{
			name:    "no rrule",
			rules:   []string{"EXDATE:20260914T100000Z"},
			wantErr: true,
		},
		{
			name:    "malformed rrule",
			rules:   []string{"RRULE:FREQ=OCCASIONALLY"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := codec.ParseRemote(tt.rules, "2026-09-07")
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantRule, rec.Rule)
			assert.Equal(t, "2026-09-07", rec.SeriesStart)
			assert.Equal(t, tt.wantCount, rec.Count)
			assert.Equal(t, tt.wantUntil, rec.Until)
			assert.Equal(t, tt.wantExcepts, rec.ExceptionDates)
		})
	}
}

func TestBuildRemoteRoundTrip(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))

	rec := &Recurrence{
		Rule:           "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5",
		SeriesStart:    "2026-09-07",
		Count:          5,
		ExceptionDates: []string{"2026-09-14"},
	}

	rules := codec.BuildRemote(rec)

	require.Len(t, rules, 2)
	assert.Equal(t, "RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5", rules[0])
	assert.Equal(t, "EXDATE:20260914T000000Z", rules[1])

	parsed, err := codec.ParseRemote(rules, rec.SeriesStart)
	require.NoError(t, err)
	assert.Equal(t, rec.Rule, parsed.Rule)
	assert.Equal(t, rec.Count, parsed.Count)
	assert.Equal(t, rec.ExceptionDates, parsed.ExceptionDates)
}

// The canonical expansion case: weekly on Monday and Wednesday, five
// occurrences, starting Monday 2026-09-07.
func TestExpandWeeklyCount(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))

	master := testSession("m1", "c1", "2026-09-07", "10:00")
	master.Recurrence = &Recurrence{
		Rule:        "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5",
		SeriesStart: "2026-09-07",
		Count:       5,
	}

	windowStart := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 21)

	instances, err := codec.Expand(&master, windowStart, windowEnd)
	require.NoError(t, err)

	var dates []string
	for _, inst := range instances {
		dates = append(dates, inst.Date)

		assert.Equal(t, "m1", inst.ParentID)
		assert.Nil(t, inst.Recurrence)
		assert.Equal(t, InstanceID("m1", inst.Date), inst.ID)
		assert.Equal(t, "10:00", inst.StartTime)
		assert.True(t, inst.IsDerived())
	}

	assert.Equal(t,
		[]string{"2026-09-07", "2026-09-09", "2026-09-14", "2026-09-16", "2026-09-21"},
		dates, "exactly the five scheduled dates, none double-counted")
}

func TestExpandExcludesExceptionDates(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))

	master := testSession("m1", "", "2026-09-07", "10:00")
	master.Recurrence = &Recurrence{
		Rule:           "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5",
		SeriesStart:    "2026-09-07",
		Count:          5,
		ExceptionDates: []string{"2026-09-14"},
	}

	windowStart := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 21)

	instances, err := codec.Expand(&master, windowStart, windowEnd)
	require.NoError(t, err)

	for _, inst := range instances {
		assert.NotEqual(t, "2026-09-14", inst.Date, "exception dates never expand")
	}

	assert.Len(t, instances, 4)
}

// A Tuesday session repeating on Mondays keeps its original Tuesday
// occurrence under the series-start inclusion policy.
func TestExpandIncludesSeriesStart(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))

	// 2026-09-08 is a Tuesday.
	master := testSession("m1", "", "2026-09-08", "09:00")
	master.Recurrence = &Recurrence{
		Rule:        "FREQ=WEEKLY;BYDAY=MO;COUNT=3",
		SeriesStart: "2026-09-08",
		Count:       3,
	}

	windowStart := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 28)

	instances, err := codec.Expand(&master, windowStart, windowEnd)
	require.NoError(t, err)
	require.NotEmpty(t, instances)

	assert.Equal(t, "2026-09-08", instances[0].Date, "series start leads the expansion")

	// With the policy off, only rule-generated Mondays remain.
	codec.IncludeSeriesStart = false

	instances, err = codec.Expand(&master, windowStart, windowEnd)
	require.NoError(t, err)

	for _, inst := range instances {
		assert.NotEqual(t, "2026-09-08", inst.Date)
	}
}

func TestExpandRejectsNonMaster(t *testing.T) {
	codec := NewRecurrenceCodec(testLogger(t))
	plain := testSession("s1", "", "2026-09-07", "10:00")

	_, err := codec.Expand(&plain, time.Now(), time.Now().AddDate(0, 1, 0))
	require.Error(t, err)
}
