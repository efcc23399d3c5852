package assign

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%02d", i)
	}
	return out
}

func resources(k int) []int64 {
	out := make([]int64, k)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func flatten(p *Plan) []string {
	var all []string
	for _, ts := range p.Assignments {
		all = append(all, ts...)
	}
	all = append(all, p.Pool...)
	sort.Strings(all)
	return all
}

func ceilDiv(m, k int) int {
	return (m + k - 1) / k
}

func TestPartition_Interleaved(t *testing.T) {
	got := Partition(targets(5), []int64{10, 20})
	assert.Equal(t, []string{"t00", "t02", "t04"}, got[10])
	assert.Equal(t, []string{"t01", "t03"}, got[20])
}

func TestPartition_DropsDuplicates(t *testing.T) {
	got := Partition([]string{"a", "b", "a", "c"}, []int64{1, 2})
	assert.Equal(t, []string{"a", "c"}, got[1])
	assert.Equal(t, []string{"b"}, got[2])
}

func TestPartition_Fairness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		m := rng.Intn(60)
		k := 1 + rng.Intn(8)
		p := &Plan{Assignments: Partition(targets(m), resources(k))}

		assert.Equal(t, targets(m), flatten(p), "m=%d k=%d", m, k)
		for r, ts := range p.Assignments {
			assert.LessOrEqual(t, len(ts), ceilDiv(m, k), "resource %d m=%d k=%d", r, m, k)
			assert.GreaterOrEqual(t, len(ts), m/k, "resource %d m=%d k=%d", r, m, k)
		}
	}
}

func TestRedistribute_Fairness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		m := 1 + rng.Intn(60)
		k := 2 + rng.Intn(6)
		p := NewPlan(targets(m), resources(k))

		// Some progress before the failure
		for _, r := range resources(k) {
			if ts := p.Assignments[r]; len(ts) > 0 && rng.Intn(2) == 0 {
				p.Done(r, ts[0], "")
			}
		}
		before := flatten(p)
		sizes := map[int64]int{}
		for r, ts := range p.Assignments {
			sizes[r] = len(ts)
		}

		dead := int64(1 + rng.Intn(k))
		moved := p.Kill(dead)
		pool := p.Pool
		p.Pool = nil
		healthy := p.Resources()
		Redistribute(p, pool, healthy)

		assert.Equal(t, before, flatten(p), "no target lost or duplicated")
		assert.NotContains(t, p.Assignments, dead)
		assert.True(t, p.IsDead(dead))
		for _, r := range healthy {
			gained := len(p.Assignments[r]) - sizes[r]
			assert.LessOrEqual(t, gained, ceilDiv(len(moved), len(healthy)))
		}
	}
}

func TestRedistribute_SetSemantics(t *testing.T) {
	p := &Plan{Assignments: map[int64][]string{1: {"a", "b"}, 2: {"c"}}}
	Redistribute(p, []string{"b", "d", "d", "e"}, []int64{1, 2})

	assert.Equal(t, []string{"a", "b", "d"}, p.Assignments[1])
	assert.Equal(t, []string{"c", "e"}, p.Assignments[2])
	assert.Empty(t, p.Pool)
}

func TestRedistribute_NoHealthyKeepsPool(t *testing.T) {
	p := &Plan{Assignments: map[int64][]string{1: {"a"}}}
	p.Kill(1)
	pool := p.Pool
	p.Pool = nil
	Redistribute(p, pool, nil)

	assert.Equal(t, []string{"a"}, p.Pool)
	assert.Equal(t, 1, p.Remaining())
}

func TestPlan_DoneAndLeftover(t *testing.T) {
	p := NewPlan(targets(4), []int64{1, 2})
	p.Done(1, "t00", "")
	p.Done(2, "t01", "private channel")
	p.Done(2, "missing", "")

	assert.Equal(t, 2, p.Remaining())
	assert.Equal(t, map[string]string{"t01": "private channel"}, p.FailedTargets)
	assert.Equal(t, map[int64][]string{1: {"t02"}, 2: {"t03"}}, p.Leftover())

	p.Done(1, "t02", "")
	assert.Equal(t, map[int64][]string{2: {"t03"}}, p.Leftover())
	assert.Equal(t, []int64{1, 2}, p.Resources())
}

func TestPlan_NoResources(t *testing.T) {
	p := NewPlan([]string{"a", "b"}, nil)
	assert.Equal(t, []string{"a", "b"}, p.Pool)
	assert.Empty(t, p.Resources())
}

func TestPlan_SaveLoad(t *testing.T) {
	p := NewPlan(targets(3), []int64{4, 5})
	p.Kill(5)
	p.Done(4, "t00", "gone")

	payload, err := p.Save([]byte(`{"action":{"name":"join"}}`))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"action"`)

	got, ok, err := Load(payload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.Assignments, got.Assignments)
	assert.Equal(t, p.Pool, got.Pool)
	assert.Equal(t, []int64{5}, got.Dead)
	assert.Equal(t, "gone", got.FailedTargets["t00"])

	_, ok, err = Load([]byte(`{"action":{"name":"join"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
