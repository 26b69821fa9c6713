package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToMemoryStores(t *testing.T) {
	application, err := New(Stores{}, Options{}, nil)
	require.NoError(t, err)
	require.NotNil(t, application.Participants)
	require.NotNil(t, application.Listings)
	require.NotNil(t, application.Trust)
	require.NotNil(t, application.Trades)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	require.NoError(t, application.Stop(ctx))
}

func TestNewWithSweeper(t *testing.T) {
	application, err := New(Stores{}, Options{SweepInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, application.Stop(stopCtx))
}
