package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       string
		wantKind ScheduleKind
		wantCron string
		every    time.Duration
		wantErr  bool
	}{
		{name: "duration", in: "1s", wantKind: ScheduleInterval, every: time.Second},
		{name: "sub-second", in: "250ms", wantKind: ScheduleInterval, every: 250 * time.Millisecond},
		{name: "hhmm", in: "00:05", wantKind: ScheduleInterval, every: 5 * time.Minute},
		{name: "every descriptor", in: "@every 2s", wantKind: ScheduleCron, wantCron: "@every 2s"},
		{name: "six-field cron", in: "*/5 * * * * *", wantKind: ScheduleCron, wantCron: "*/5 * * * * *"},
		{name: "forced cron", in: "cron: 0 * * * *", wantKind: ScheduleCron, wantCron: "0 * * * *"},
		{name: "forced interval", in: "every: 3s", wantKind: ScheduleInterval, every: 3 * time.Second},
		{name: "empty", in: "  ", wantErr: true},
		{name: "zero", in: "0s", wantErr: true},
		{name: "bad minutes", in: "interval:01:75", wantErr: true},
		{name: "garbage", in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantCron, got.Cron)
			assert.Equal(t, tt.every, got.Every)
		})
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	p, err := ParseSchedule("500ms")
	require.NoError(t, err)
	s, err := p.Schedule()
	require.NoError(t, err)
	assert.Equal(t, base.Add(500*time.Millisecond), s.Next(base))

	p, err = ParseSchedule("*/10 * * * * *")
	require.NoError(t, err)
	s, err = p.Schedule()
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), s.Next(base))

	_, err = ParsedSchedule{Kind: ScheduleCron, Cron: "not cron"}.Schedule()
	require.Error(t, err)
}
