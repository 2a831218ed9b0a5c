package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatetimeDetectorISODate(t *testing.T) {
	col := Column{
		Name:   "trade_date",
		Values: []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.Equal(t, "iso_date", f.Detected)
	assert.InDelta(t, 1.0, f.Confidence, 0.001)
	assert.Equal(t, true, f.Details["monotonic"])
}

func TestDatetimeDetectorRFC3339(t *testing.T) {
	col := Column{
		Name: "created_at",
		Values: []string{
			"2024-03-01T10:00:00Z", "2024-03-01T11:30:00Z", "2024-03-02T09:15:00Z",
		},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.Equal(t, "rfc3339", f.Detected)
}

func TestDatetimeDetectorAmbiguousDayMonth(t *testing.T) {
	// Every day value is <= 12, so day-first and month-first both parse
	col := Column{
		Name:   "date",
		Values: []string{"01/02/2024", "03/04/2024", "05/06/2024", "07/08/2024"},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.True(t, hasIssue(f.Issues, "ambiguous_day_month"))
	assert.Equal(t, true, f.Details["ambiguous"])
	assert.Less(t, f.Confidence, 0.9)
}

func TestDatetimeDetectorDisambiguatedByDayOver12(t *testing.T) {
	col := Column{
		Name:   "date",
		Values: []string{"13/02/2024", "14/02/2024", "01/03/2024", "28/03/2024"},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.Equal(t, "day_first_slash", f.Detected)
	assert.False(t, hasIssue(f.Issues, "ambiguous_day_month"))
}

func TestDatetimeDetectorEpochSeconds(t *testing.T) {
	col := Column{
		Name:   "ts",
		Values: []string{"1704188400", "1704274800", "1704361200"},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.Equal(t, "epoch_seconds", f.Detected)
	assert.Equal(t, true, f.Details["monotonic"])
}

func TestDatetimeDetectorEpochMillis(t *testing.T) {
	col := Column{
		Name:   "ts",
		Values: []string{"1704188400000", "1704274800000", "1704361200000"},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.Equal(t, "epoch_millis", f.Detected)
}

func TestDatetimeDetectorNotApplicable(t *testing.T) {
	tests := []struct {
		name   string
		values []string
	}{
		{"text", []string{"alpha", "beta", "gamma"}},
		{"numbers", []string{"1", "2", "3"}},
		{"below match floor", []string{"2024-01-02", "x", "y", "z"}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDatetimeDetector().Detect(context.Background(), Column{Name: "c", Values: tt.values})
			assert.False(t, f.Applicable)
		})
	}
}

func TestDatetimeDetectorPartialMatches(t *testing.T) {
	col := Column{
		Name: "date",
		Values: []string{
			"2024-01-02", "2024-01-03", "2024-01-04", "not a date",
		},
	}

	f := NewDatetimeDetector().Detect(context.Background(), col)
	require.True(t, f.Applicable)
	assert.True(t, hasIssue(f.Issues, "unparsed_datetimes"))
	assert.InDelta(t, 0.75, f.Confidence, 0.001)
}
