package main

import (
	"testing"
	"time"

	"github.com/brojonat/stagehop/service/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runWindow(t *testing.T, now time.Time, args ...string) (sweeper.Window, error) {
	t.Helper()

	var (
		window sweeper.Window
		winErr error
	)
	app := &cli.App{
		Name:  "stagehop",
		Flags: windowFlags(),
		Action: func(c *cli.Context) error {
			window, winErr = sweepWindow(c, now)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"stagehop"}, args...)))
	return window, winErr
}

func TestSweepWindow(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	t.Run("default lookback", func(t *testing.T) {
		w, err := runWindow(t, now)
		require.NoError(t, err)
		assert.True(t, w.From.Equal(now.Add(-24*time.Hour)))
		assert.True(t, w.To.IsZero())
	})

	t.Run("lookback before explicit end", func(t *testing.T) {
		w, err := runWindow(t, now, "--lookback", "2h", "--to", "2026-10-18T00:00:00Z")
		require.NoError(t, err)
		assert.True(t, w.From.Equal(time.Date(2026, 10, 17, 22, 0, 0, 0, time.UTC)))
		assert.True(t, w.To.Equal(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("explicit from wins", func(t *testing.T) {
		w, err := runWindow(t, now, "--lookback", "2h", "--from", "2026-10-01T00:00:00Z")
		require.NoError(t, err)
		assert.True(t, w.From.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("open start", func(t *testing.T) {
		w, err := runWindow(t, now, "--lookback", "0s")
		require.NoError(t, err)
		assert.True(t, w.From.IsZero())
	})

	t.Run("inverted", func(t *testing.T) {
		_, err := runWindow(t, now, "--from", "2026-10-02T00:00:00Z", "--to", "2026-10-01T00:00:00Z")
		assert.ErrorContains(t, err, "from must be before to")
	})
}
