package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSerializesProjects(t *testing.T) {
	g := NewGate()
	release, err := g.Acquire(context.Background(), "b", "a", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "c", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	free, err := g.Acquire(context.Background(), "c")
	require.NoError(t, err)
	free()

	release()
	again, err := g.Acquire(context.Background(), "a", "b", "c")
	require.NoError(t, err)
	again()
}
