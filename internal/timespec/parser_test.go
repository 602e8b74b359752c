package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		spec    string
		want    time.Time
		wantErr bool
	}{
		{spec: "1h", want: now.Add(-time.Hour)},
		{spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{spec: "2025-05-31T08:00:00Z", want: time.Date(2025, 5, 31, 8, 0, 0, 0, time.UTC)},
		{spec: "", wantErr: true},
		{spec: "-5m", wantErr: true},
		{spec: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestParseRange(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		r, err := ParseRange("", "", now)
		require.NoError(t, err)
		assert.True(t, r.Contains(now))
		assert.True(t, r.Contains(time.Time{}.Add(time.Hour)))
	})

	t.Run("bounded", func(t *testing.T) {
		r, err := ParseRange("2h", "1h", now)
		require.NoError(t, err)
		assert.False(t, r.Contains(now.Add(-3*time.Hour)))
		assert.True(t, r.Contains(now.Add(-2*time.Hour)), "since is inclusive")
		assert.True(t, r.Contains(now.Add(-90*time.Minute)))
		assert.False(t, r.Contains(now.Add(-time.Hour)), "until is exclusive")
	})

	t.Run("inverted", func(t *testing.T) {
		_, err := ParseRange("1h", "2h", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--since must be before --until")
	})

	t.Run("bad since", func(t *testing.T) {
		_, err := ParseRange("soon", "", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --since")
	})

	t.Run("bad until", func(t *testing.T) {
		_, err := ParseRange("", "later", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --until")
	})
}
