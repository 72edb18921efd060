/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateDoWithRetry(t *testing.T) {
	t.Run("admission timeout is retried until a slot frees", func(t *testing.T) {
		g := MustNew(1)
		require.True(t, g.TryAcquire())

		go func() {
			time.Sleep(time.Millisecond * 60)
			g.Release()
		}()

		opCalls := 0
		retries := 0
		err := g.DoWithRetry(context.Background(), time.Millisecond*20,
			NewConstantBackoffPolicy(time.Millisecond*10, 10),
			func(err error, delay time.Duration) { retries++ },
			func(ctx context.Context) error {
				opCalls++
				return nil
			})
		require.NoError(t, err)
		require.Equal(t, 1, opCalls)
		require.Greater(t, retries, 0)
		require.Equal(t, 0, g.CurrentOccupancy())
	})

	t.Run("retry attempts are exhausted", func(t *testing.T) {
		g := MustNew(1)
		require.True(t, g.TryAcquire())

		err := g.DoWithRetry(context.Background(), time.Millisecond*10,
			NewConstantBackoffPolicy(time.Millisecond*5, 2), nil,
			func(ctx context.Context) error {
				t.Error("operation should not be called")
				return nil
			})
		require.ErrorIs(t, err, ErrAcquireTimeout)

		g.Release()
	})

	t.Run("operation error is permanent and not retried", func(t *testing.T) {
		g := MustNew(1)
		opErr := errors.New("bad inference request")
		opCalls := 0
		err := g.DoWithRetry(context.Background(), time.Second,
			NewExponentialBackoffPolicy(time.Millisecond*5, 5), nil,
			func(ctx context.Context) error {
				opCalls++
				return opErr
			})
		require.ErrorIs(t, err, opErr)
		require.Equal(t, 1, opCalls)
		require.Equal(t, 0, g.CurrentOccupancy())
	})
}
