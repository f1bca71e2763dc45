package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Fjellheim Bygg", "fjellheim bygg"},
		{"legal suffix dropped", "Fjellheim Bygg AS", "fjellheim bygg"},
		{"uppercase suffix", "NORDKRAFT ASA", "nordkraft"},
		{"diacritics folded", "Sørlandet Kafé", "sorlandet kafe"},
		{"punctuation collapsed", "Hansen & Sønn A/S", "hansen sonn a s"},
		{"dots and commas", "J. Olsen, Transport", "j olsen transport"},
		{"whitespace collapsed", "  Vik   Maskin  ", "vik maskin"},
		{"suffix only is kept", "AS", "as"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, NameKey(tc.in))
		})
	}
}

func TestNaturalKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "62.01|03", SegmentKey("62.01", "03"))
	assert.Equal(t, "62.01|03|p4", PageKey("62.01", "03", 4))
	assert.Equal(t, "fjellheim bygg|03", ResolveKey("Fjellheim Bygg AS", "03"))
}

func TestErrorKindRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, ErrKindNetwork.Retryable())
	assert.True(t, ErrKindRateLimited.Retryable())
	assert.True(t, ErrKindAuthExpired.Retryable())
	assert.False(t, ErrKindDataQuality.Retryable())
	assert.False(t, ErrKindFatal.Retryable())
}
