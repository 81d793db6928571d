package fax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidNumber(t *testing.T) {
	valid := []string{
		"+15551234567",
		"15551234567",
		"555-123-4567",
		"(555) 123-4567",
		"+44 20 7946 0958",
		"911",
	}
	for _, n := range valid {
		assert.True(t, ValidNumber(n), "expected %q to be valid", n)
	}

	invalid := []string{
		"",
		"+",
		"12",
		"abc",
		"555_123_4567",
		"+1555123456789012345678901", // over 20 chars after the first digit
		"1; DROP TABLE fax_jobs",
	}
	for _, n := range invalid {
		assert.False(t, ValidNumber(n), "expected %q to be invalid", n)
	}
}

func TestMaskNumber(t *testing.T) {
	assert.Equal(t, "", MaskNumber(""))
	assert.Equal(t, "***4567", MaskNumber("+15551234567"))
	assert.Equal(t, "***4567", MaskNumber("(555) 123-4567"))
	assert.Equal(t, "***", MaskNumber("911"))
	assert.Equal(t, "***", MaskNumber("1234"))
}
