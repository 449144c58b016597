package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{name: "zero", input: 0, expected: "0"},
		{name: "hundreds", input: 999, expected: "999"},
		{name: "thousands", input: 1234, expected: "1,234"},
		{name: "millions", input: 12345678, expected: "12,345,678"},
		{name: "negative", input: -4321, expected: "-4,321"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatNumber(tt.input))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Duration
		expected string
	}{
		{name: "seconds", input: 42 * time.Second, expected: "42s"},
		{name: "minutes", input: 5*time.Minute + 3*time.Second, expected: "5m"},
		{name: "hours", input: 2*time.Hour + 7*time.Minute, expected: "2h 07m"},
		{name: "negative clamps", input: -time.Minute, expected: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.input))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 GiB", FormatBytes(2*1024*1024*1024))
}
