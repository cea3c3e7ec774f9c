package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGraphBuilder_LinearChain(t *testing.T) {
	g, err := NewGraph("order").
		StartWith("ReserveCredit").
		Then("FetchGoods").
		Then("ShipGoods").
		End().
		Build()
	require.NoError(t, err)

	assert.Equal(t, "order", g.ProcessType())
	assert.Equal(t, "ReserveCredit", g.InitialStep())

	next, ok := g.NextAfter("ReserveCredit", nil)
	require.True(t, ok)
	assert.Equal(t, "FetchGoods", next)

	next, ok = g.NextAfter("FetchGoods", nil)
	require.True(t, ok)
	assert.Equal(t, "ShipGoods", next)

	_, ok = g.NextAfter("ShipGoods", nil)
	assert.False(t, ok, "terminal step must not resolve a successor")
}

func TestGraphBuilder_Compensation(t *testing.T) {
	g, err := NewGraph("order").
		StartWith("ReserveCredit").
		WithCompensation("ReleaseCredit").
		Then("ShipGoods").
		End().
		Build()
	require.NoError(t, err)

	s, ok := g.Step("ReserveCredit")
	require.True(t, ok)
	assert.Equal(t, "ReleaseCredit", s.Compensation)

	// Compensation steps are declared but sit outside the main flow.
	comp, ok := g.Step("ReleaseCredit")
	require.True(t, ok)
	assert.Equal(t, NextUnset, comp.Next.Kind)
}

func TestGraphBuilder_Conditional(t *testing.T) {
	bigOrder := func(data map[string]any) bool {
		v, _ := data["amount"].(float64)
		return v > 100
	}
	g, err := NewGraph("order").
		StartWith("CheckOrder").
		ThenIf(bigOrder).
		WhenTrue("ManualApproval").
		Then("ShipGoods").
		End().
		Build()
	require.NoError(t, err)

	next, ok := g.NextAfter("CheckOrder", map[string]any{"amount": float64(250)})
	require.True(t, ok)
	assert.Equal(t, "ManualApproval", next)

	next, ok = g.NextAfter("CheckOrder", map[string]any{"amount": float64(10)})
	require.True(t, ok)
	assert.Equal(t, "ShipGoods", next, "false arm short-circuits to the continuation")

	next, ok = g.NextAfter("ManualApproval", nil)
	require.True(t, ok)
	assert.Equal(t, "ShipGoods", next)
}

func TestGraphBuilder_ConditionalBothArms(t *testing.T) {
	g, err := NewGraph("order").
		StartWith("CheckOrder").
		ThenIf(func(map[string]any) bool { return true }).
		WhenTrue("Approve").
		WhenFalse("Reject").
		Then("Notify").
		End().
		Build()
	require.NoError(t, err)

	for _, arm := range []string{"Approve", "Reject"} {
		next, ok := g.NextAfter(arm, nil)
		require.True(t, ok)
		assert.Equal(t, "Notify", next)
	}
}

func TestGraphBuilder_ParallelSynthesizesFanOut(t *testing.T) {
	g, err := NewGraph("order").
		StartWith("Init").
		ThenParallel().
		Branch("CheckStock").
		Branch("CheckFraud").
		JoinAt("Confirm").
		End().
		Build()
	require.NoError(t, err)

	next, ok := g.NextAfter("Init", nil)
	require.True(t, ok)
	assert.Equal(t, "parallel:Confirm", next)

	fanOut, ok := g.Step(next)
	require.True(t, ok)
	assert.Equal(t, NextParallel, fanOut.Next.Kind)
	assert.ElementsMatch(t, []string{"CheckStock", "CheckFraud"}, fanOut.Next.Branches)
	assert.Equal(t, "Confirm", fanOut.Next.JoinStep)

	for _, br := range fanOut.Next.Branches {
		next, ok := g.NextAfter(br, nil)
		require.True(t, ok)
		assert.Equal(t, "Confirm", next)
	}
}

func TestGraphBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*ProcessGraph, error)
	}{
		{"no initial step", func() (*ProcessGraph, error) {
			return NewGraph("x").Build()
		}},
		{"then before start", func() (*ProcessGraph, error) {
			return NewGraph("x").Then("A").Build()
		}},
		{"missing end", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").Then("B").Build()
		}},
		{"double edge", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").Then("B").End().Then("C").Build()
		}},
		{"parallel without branches", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").ThenParallel().JoinAt("J").End().Build()
		}},
		{"conditional without predicate", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").ThenIf(nil).WhenTrue("B").Then("C").End().Build()
		}},
		{"conditional without true target", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").ThenIf(func(map[string]any) bool { return true }).Then("C").End().Build()
		}},
		{"cycle through conditional", func() (*ProcessGraph, error) {
			return NewGraph("x").StartWith("A").
				ThenIf(func(map[string]any) bool { return true }).
				WhenTrue("A").
				Then("B").
				End().
				Build()
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadGraph)
		})
	}
}

func TestGraphBuilder_RandomChains(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "steps")
		steps := make([]string, n)
		for i := range steps {
			steps[i] = fmt.Sprintf("Step%02d", i)
		}
		b := NewGraph("chain").StartWith(steps[0])
		for _, s := range steps[1:] {
			b = b.Then(s)
		}
		g, err := b.End().Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		cur := g.InitialStep()
		for i := 1; i < n; i++ {
			next, ok := g.NextAfter(cur, nil)
			if !ok {
				t.Fatalf("chain broke at %s", cur)
			}
			cur = next
		}
		if _, ok := g.NextAfter(cur, nil); ok {
			t.Fatalf("last step %s is not terminal", cur)
		}
	})
}
