package blocklist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocked(t *testing.T) {
	t.Parallel()

	l := New([]string{"Spam.Example", "*.ru", ".internal", "  "})
	require.NotNil(t, l)

	cases := []struct {
		host    string
		blocked bool
	}{
		{"spam.example", true},
		{"sub.spam.example", false},
		{"tickets.ru", true},
		{"a.b.ru", true},
		{"ru", true},
		{"db.internal", true},
		{"tickets.example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.blocked, l.Blocked(tc.host), tc.host)
	}
}

func TestEmptyListBlocksNothing(t *testing.T) {
	t.Parallel()

	l := New([]string{"", " ", "*."})
	require.Nil(t, l)
	require.False(t, l.Blocked("anything.example"))
}
