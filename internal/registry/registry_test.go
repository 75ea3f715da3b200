package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionmonitor/internal/models"
)

func newPosition(id string) *models.MonitoredPosition {
	return &models.MonitoredPosition{ID: id, TradeID: "trade-" + id}
}

func TestInsertIsIdempotent(t *testing.T) {
	r := New()
	p := newPosition("a")
	r.Insert(p)
	r.Insert(newPosition("a")) // different pointer, same id: must not overwrite

	got, ok := r.Remove("a")
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestRemoveIsExactlyOnce(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))

	const attempts = 50
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := r.Remove("a")
			successes[i] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent Remove should succeed")
}

func TestEvaluateIsExactlyOnce(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))

	const attempts = 50
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := r.Evaluate("a", func(p *models.MonitoredPosition) bool {
				p.PriceCheckCount++
				return true
			})
			successes[i] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent Evaluate should remove")
	assert.False(t, r.Has("a"))
}

func TestEvaluateLeavesPositionWhenFnDeclines(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))

	p, removed := r.Evaluate("a", func(p *models.MonitoredPosition) bool {
		p.PriceCheckCount++
		return false
	})
	assert.False(t, removed)
	assert.Nil(t, p)
	assert.True(t, r.Has("a"))
}

func TestSnapshotIsIndependentOfMutation(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))
	r.Insert(newPosition("b"))

	snap := r.Snapshot()
	r.Remove("a")

	assert.Len(t, snap, 2)
	assert.Equal(t, 1, r.Len())
}

func TestFindByTradeID(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))
	r.Insert(newPosition("b"))

	found := r.FindByTradeID("trade-b")
	require.NotNil(t, found)
	assert.Equal(t, "b", found.ID)

	assert.Nil(t, r.FindByTradeID("trade-missing"))
}

func TestClear(t *testing.T) {
	r := New()
	r.Insert(newPosition("a"))
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Has("a"))
}
