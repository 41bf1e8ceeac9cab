package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2020, 6, 21, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(time.Second)
	require.Equal(t, 1, c.Waiters())

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	require.Equal(t, start.Add(time.Second), <-ch)
	require.Zero(t, c.Waiters())
	require.Equal(t, start.Add(time.Second), c.Now())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}
