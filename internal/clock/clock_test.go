package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemIsUTC(t *testing.T) {
	t.Parallel()

	now := System{}.Now()
	require.Equal(t, time.UTC, now.Location())
}

func TestFixed(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := Fixed{T: at}
	require.Equal(t, at, c.Now())
	require.Equal(t, at, c.Now())
}
