package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericDetector(t *testing.T) {
	tests := []struct {
		name       string
		values     []string
		applicable bool
		detected   string
		issueCode  string
	}{
		{"integers", []string{"1", "2", "300", "4000"}, true, "integer", ""},
		{"decimals", []string{"1.5", "2.25", "3.75", "4.5"}, true, "decimal", ""},
		{"grouped", []string{"1,200", "3,400", "5,600", "7,800"}, true, "integer", ""},
		{"mixed types", []string{"1", "2.5", "3", "4.5"}, true, "integer", "mixed_integer_decimal"},
		{"partial grouping", []string{"1,200", "3400", "5,600", "7800"}, true, "integer", "inconsistent_grouping"},
		{"text", []string{"a", "b", "c"}, false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewNumericDetector().Detect(context.Background(), Column{Name: "n", Values: tt.values})
			assert.Equal(t, tt.applicable, f.Applicable)
			if tt.applicable {
				assert.Equal(t, tt.detected, f.Detected)
			}
			if tt.issueCode != "" {
				assert.True(t, hasIssue(f.Issues, tt.issueCode), "missing issue %s", tt.issueCode)
			}
		})
	}
}

func TestCompletenessDetector(t *testing.T) {
	d := NewCompletenessDetector(0.2)

	t.Run("complete column", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"a", "b", "c"}})
		require.True(t, f.Applicable)
		assert.InDelta(t, 1.0, f.Confidence, 0.001)
		assert.Empty(t, filterIssues(f.Issues, SeverityWarning))
	})

	t.Run("over ceiling", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"a", "", "", ""}})
		assert.True(t, hasIssue(f.Issues, "null_rate_exceeded"))
		assert.InDelta(t, 0.25, f.Confidence, 0.001)
	})

	t.Run("all blank", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"", " ", ""}})
		assert.True(t, hasIssue(f.Issues, "empty_column"))
		assert.Equal(t, 1, f.CriticalCount())
	})

	t.Run("no values", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c"})
		assert.True(t, hasIssue(f.Issues, "empty_column"))
	})
}

func TestBasicValidationDetector(t *testing.T) {
	d := NewBasicValidationDetector()

	t.Run("clean column", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"alpha", "beta"}})
		require.True(t, f.Applicable)
		assert.Empty(t, f.Issues)
		assert.InDelta(t, 1.0, f.Confidence, 0.001)
	})

	t.Run("whitespace padding", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{" alpha", "beta "}})
		assert.True(t, hasIssue(f.Issues, "whitespace_padding"))
	})

	t.Run("placeholder tokens", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"N/A", "null", "real"}})
		assert.True(t, hasIssue(f.Issues, "null_placeholders"))
	})

	t.Run("control characters", func(t *testing.T) {
		f := d.Detect(context.Background(), Column{Name: "c", Values: []string{"bad\x00value", "fine"}})
		assert.True(t, hasIssue(f.Issues, "control_characters"))
		assert.Equal(t, 1, f.CriticalCount())
	})
}
