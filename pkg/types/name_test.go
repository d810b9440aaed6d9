package types

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple lowercase",
			input:    "myvm",
			expected: "myvm",
		},
		{
			name:     "mixed case with spaces and punctuation",
			input:    "My Awesome VM!",
			expected: "my-awesome-vm",
		},
		{
			name:     "collapses dash runs",
			input:    "a--b---c",
			expected: "a-b-c",
		},
		{
			name:     "trims leading and trailing dashes",
			input:    "--edge--",
			expected: "edge",
		},
		{
			name:     "whitespace only becomes vm",
			input:    "  ",
			expected: "vm",
		},
		{
			name:     "empty becomes vm",
			input:    "",
			expected: "vm",
		},
		{
			name:     "symbols only becomes vm",
			input:    "!!!",
			expected: "vm",
		},
		{
			name:     "long input capped at 40 chars",
			input:    strings.Repeat("a", 200),
			expected: strings.Repeat("a", 40),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeName(tt.input))
		})
	}
}

func TestSanitizeNameIdempotent(t *testing.T) {
	inputs := []string{
		"My Awesome VM!",
		"  ",
		strings.Repeat("x-", 100),
		"already-clean",
		"UPPER_case.dots",
	}
	for _, in := range inputs {
		once := SanitizeName(in)
		assert.Equal(t, once, SanitizeName(once), "input %q", in)
	}
}

func TestCanonicalName(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?-[0-9a-f]{4}$`)

	name := CanonicalName("My Awesome VM!")
	assert.Regexp(t, pattern, name)
	assert.True(t, strings.HasPrefix(name, "my-awesome-vm-"))

	// suffixes are random, two calls should not normally collide
	other := CanonicalName("My Awesome VM!")
	assert.Regexp(t, pattern, other)

	long := CanonicalName(strings.Repeat("a", 200))
	// base capped at 40 plus dash plus 4 hex
	assert.Len(t, long, 45)
}

func TestDeriveNodeID(t *testing.T) {
	a := DeriveNodeID("machine-1", "0xABCdef0000000000000000000000000000000001")
	b := DeriveNodeID("machine-1", "0xabcdef0000000000000000000000000000000001")
	c := DeriveNodeID("machine-2", "0xabcdef0000000000000000000000000000000001")

	// wallet case does not change identity
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// stable and UUID-shaped
	require.Len(t, a, 36)
	assert.Equal(t, a, DeriveNodeID("machine-1", "0xabcdef0000000000000000000000000000000001"))
}

func TestIsZeroAddress(t *testing.T) {
	assert.True(t, IsZeroAddress("0x0000000000000000000000000000000000000000"))
	assert.True(t, IsZeroAddress("0000000000000000000000000000000000000000"))
	assert.False(t, IsZeroAddress("0x0000000000000000000000000000000000000001"))
	assert.False(t, IsZeroAddress(""))
	assert.False(t, IsZeroAddress("0x0"))
}

func TestPerformanceMultiplier(t *testing.T) {
	assert.Equal(t, 2.0, PerformanceMultiplier(5000, 2500, 3))
	assert.Equal(t, 3.0, PerformanceMultiplier(10000, 2500, 3))
	assert.Equal(t, 1.0, PerformanceMultiplier(5000, 0, 3))
}
