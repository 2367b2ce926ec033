package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"bare national number", "5551234567", "+15551234567"},
		{"punctuation removed", "(555) 123-4567", "+15551234567"},
		{"already international", "+44 20 7946 0958", "+442079460958"},
		{"dots and spaces", "555.123.4567 ", "+15551234567"},
		{"empty", "", ""},
		{"letters only", "call me", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.input))
		})
	}
}

func TestFormat_Idempotent(t *testing.T) {
	inputs := []string{"5551234567", "+15551234567", "1-800-FLOWERS", "+1 (555) 123-4567", "12+34", "", "+"}
	for _, in := range inputs {
		once := Format(in)
		assert.Equal(t, once, Format(once), "input %q", in)
	}
}

func TestFormat_PrependsCountryCodeOnce(t *testing.T) {
	out := Format("5551234567")
	assert.Equal(t, "+15551234567", out)
	assert.Equal(t, "+15551234567", Format(out))
}

func TestFormatWithCode(t *testing.T) {
	assert.Equal(t, "+447700900123", FormatWithCode("7700900123", "44"))
	assert.Equal(t, "+447700900123", FormatWithCode("7700900123", "+44"))
	assert.Equal(t, "+15551234567", FormatWithCode("5551234567", ""))
}

func TestValidate(t *testing.T) {
	t.Run("empty number", func(t *testing.T) {
		res, err := Validate("  ", "")
		assert.ErrorIs(t, err, ErrEmpty)
		assert.Nil(t, res)
	})

	t.Run("us number in e164", func(t *testing.T) {
		res, err := Validate("+12025550123", "")
		require.NoError(t, err)
		assert.True(t, res.Possible)
		assert.Equal(t, "+12025550123", res.E164)
	})

	t.Run("garbage fails to parse", func(t *testing.T) {
		_, err := Validate("not a number", "US")
		assert.Error(t, err)
	})
}

func TestCheckSendable(t *testing.T) {
	assert.NoError(t, CheckSendable("+15551234567"))
	assert.Error(t, CheckSendable("+1555"))
	assert.Error(t, CheckSendable(""))
}
