package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericStringToMinor_Success(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole units", "100", 10000},
		{"units with cents", "100.50", 10050},
		{"cents only", "0.99", 99},
		{"zero", "0.00", 0},
		{"rounding up", "99.995", 10000},
		{"rounding down", "99.994", 9999},
		{"with whitespace", "  50.25  ", 5025},
		{"negative amount", "-10.50", -1050},
		{"single decimal", "5.5", 550},
		{"beyond float precision", "92233720368547758.07", 9223372036854775807},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := numericStringToMinor(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNumericStringToMinor_Errors(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "1.2.3"} {
		_, err := numericStringToMinor(in)
		assert.Error(t, err, in)
	}
}

func TestMinorToNumericString(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{10050, "100.50"},
		{99, "0.99"},
		{0, "0.00"},
		{5, "0.05"},
		{-1050, "-10.50"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, minorToNumericString(tt.input))
	}
}

func TestMinorRoundTrip(t *testing.T) {
	for _, v := range []int64{1, 10, 1050, 123456789} {
		got, err := numericStringToMinor(minorToNumericString(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
