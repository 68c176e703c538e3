package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

func TestSingle(t *testing.T) {
	g := Single()
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.Size())

	in := []float64{1, 2}
	out, err := g.Broadcast(context.Background(), 0, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	out[0] = 5
	assert.Equal(t, 1.0, in[0], "broadcast result must not alias input")

	_, err = g.Broadcast(context.Background(), 1, in)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
	assert.NoError(t, g.Barrier(context.Background()))
}

func TestLocalBroadcast(t *testing.T) {
	const n = 4
	members, err := NewLocal(n)
	require.NoError(t, err)

	results := make([][][]float64, n)
	eg, ctx := errgroup.WithContext(context.Background())
	for _, m := range members {
		m := m
		eg.Go(func() error {
			// several rounds from different roots
			for root := 0; root < n; root++ {
				var data []float64
				if m.Rank() == root {
					data = []float64{float64(root), float64(root) * 10}
				}
				out, err := m.Broadcast(ctx, root, data)
				if err != nil {
					return err
				}
				results[m.Rank()] = append(results[m.Rank()], out)
				if err := m.Barrier(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for rank := 0; rank < n; rank++ {
		require.Len(t, results[rank], n)
		for root := 0; root < n; root++ {
			assert.Equal(t, []float64{float64(root), float64(root) * 10}, results[rank][root])
		}
	}
}

func TestLocalCancel(t *testing.T) {
	members, err := NewLocal(2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// rank 1 never arrives
	err = members[0].Barrier(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = members[0].Broadcast(context.Background(), 3, nil)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
	_, err = members[0].Broadcast(context.Background(), -1, nil)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)

	_, err = NewLocal(0)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestBroadcastPoint(t *testing.T) {
	vars := []optimization.DesignVariable{{Name: "a", Size: 2}, {Name: "b", Size: 1}}
	members, err := NewLocal(3)
	require.NoError(t, err)

	points := make([]optimization.DesignPoint, 3)
	var eg errgroup.Group
	for _, m := range members {
		m := m
		eg.Go(func() error {
			local := optimization.DesignPoint{"a": {0, 0}, "b": {float64(m.Rank())}}
			if m.Rank() == 0 {
				local = optimization.DesignPoint{"a": {1, 2}, "b": {3}}
			}
			p, err := BroadcastPoint(context.Background(), m, 0, vars, local)
			points[m.Rank()] = p
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for _, p := range points {
		assert.Equal(t, optimization.DesignPoint{"a": {1, 2}, "b": {3}}, p)
	}
}

func TestBroadcastPointInvalidRootFailsEveryRank(t *testing.T) {
	vars := []optimization.DesignVariable{{Name: "a", Size: 2}}
	members, err := NewLocal(2)
	require.NoError(t, err)

	errs := make([]error, 2)
	var eg errgroup.Group
	for _, m := range members {
		m := m
		eg.Go(func() error {
			_, errs[m.Rank()] = BroadcastPoint(context.Background(), m, 0, vars, optimization.DesignPoint{"a": {1}})
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}
