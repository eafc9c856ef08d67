package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := registry()
	assert.Equal(t, []string{"Echo", "Email", "ImageResize", "Slow"}, reg.Classes())
	assert.Equal(t, "media", reg.Defaults("ImageResize").Queue)
}

func TestSleepStopsOnCancel(t *testing.T) {
	stop := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(stop)

	start := time.Now()
	err := slow(ctx, nil)
	require.ErrorIs(t, err, stop)
	assert.Less(t, time.Since(start), time.Second)
}
