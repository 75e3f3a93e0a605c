package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "openai api key",
			input:    "using key sk-abcdefghij1234567890xyz for auth",
			expected: "using key [REDACTED] for auth",
		},
		{
			name:     "bearer token",
			input:    "header Authorization: Bearer my.jwt.token-value",
			expected: "header Authorization: [REDACTED]",
		},
		{
			name:     "api_key field",
			input:    `{"api_key": "supersecretvalue"}`,
			expected: `{"[REDACTED]"}`,
		},
		{
			name:     "no sensitive data",
			input:    "stored exchange for user u1",
			expected: "stored exchange for user u1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Redact(tt.input))
		})
	}
}

func TestAddPattern(t *testing.T) {
	r := NewRedactor()

	err := r.AddPattern(`memo-[0-9a-f]{16}`)
	require.NoError(t, err)

	result := r.Redact("project id memo-0123456789abcdef here")
	assert.Equal(t, "project id [REDACTED] here", result)
}

func TestAddPattern_Invalid(t *testing.T) {
	r := NewRedactor()
	err := r.AddPattern(`[unclosed`)
	assert.Error(t, err)
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor()
	w := r.Wrap(&buf)

	_, err := w.Write([]byte("token: Bearer secret-token-here end"))
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "secret-token-here")
	assert.Contains(t, buf.String(), "[REDACTED]")
}
