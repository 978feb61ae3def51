package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSatisfiesUnconditional(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	require.True(t, ev.Satisfies(context.Background(), nil, Context{}))
	require.True(t, ev.Satisfies(context.Background(), map[string]any{}, nil))
}

func TestSatisfiesOwnOnly(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{"own_only": true}

	require.True(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserID:          "u1",
		CtxResourceOwnerID: "u1",
	}))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserID:          "u1",
		CtxResourceOwnerID: "u2",
	}))
	// Missing ownership info never grants.
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}

func TestSatisfiesOrganizationOnly(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{"organization_only": true}

	require.True(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserOrganizationID: "org-1",
		CtxOrganizationID:     "org-1",
	}))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserOrganizationID: "org-1",
		CtxOrganizationID:     "org-2",
	}))
}

func TestSatisfiesBusinessHours(t *testing.T) {
	conds := map[string]any{"time_limit": map[string]any{"business_hours": true}}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday morning", time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), true},
		{"weekday evening boundary", time.Date(2026, 3, 4, 18, 30, 0, 0, time.UTC), true},
		{"weekday before open", time.Date(2026, 3, 4, 8, 59, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), false},
		{"sunday", time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewEvaluator(nil, nil, WithEvaluatorClock(fixedClock(tc.at)))
			require.Equal(t, tc.want, ev.Satisfies(context.Background(), conds, Context{}))
		})
	}
}

func TestSatisfiesTimeWindow(t *testing.T) {
	conds := map[string]any{"time_limit": map[string]any{"start_time": "08:00", "end_time": "17:00"}}

	ev := NewEvaluator(nil, nil, WithEvaluatorClock(fixedClock(time.Date(2026, 3, 4, 17, 45, 0, 0, time.UTC))))
	require.True(t, ev.Satisfies(context.Background(), conds, Context{}), "end hour is inclusive")

	ev = NewEvaluator(nil, nil, WithEvaluatorClock(fixedClock(time.Date(2026, 3, 4, 19, 0, 0, 0, time.UTC))))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}

func TestSatisfiesMalformedTimeWindowFailsClosed(t *testing.T) {
	conds := map[string]any{"time_limit": map[string]any{"start_time": "nope", "end_time": "17:00"}}
	ev := NewEvaluator(nil, nil)
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}

func TestSatisfiesIPWhitelist(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{"ip_whitelist": []any{"10.0.0.1", "10.0.0.2"}}

	require.True(t, ev.Satisfies(context.Background(), conds, Context{CtxClientIP: "10.0.0.2"}))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{CtxClientIP: "10.0.0.3"}))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}

func TestSatisfiesIgnoresUnknownKeys(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{"quantum_entanglement": true, "own_only": true}
	require.True(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserID:          "u1",
		CtxResourceOwnerID: "u1",
	}))
}

func TestSatisfiesConjunction(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{
		"own_only":     true,
		"ip_whitelist": []any{"10.0.0.1"},
	}
	require.True(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserID:          "u1",
		CtxResourceOwnerID: "u1",
		CtxClientIP:        "10.0.0.1",
	}))
	require.False(t, ev.Satisfies(context.Background(), conds, Context{
		CtxUserID:          "u1",
		CtxResourceOwnerID: "u1",
		CtxClientIP:        "10.9.9.9",
	}))
}

func TestDynamicRulesCombineModes(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveRule(context.Background(), Rule{
		ID: "hours", Type: RuleTypeTime, IsActive: true,
		Time: &TimeRule{Start: "09:00", End: "17:00"},
	}))
	require.NoError(t, store.SaveRule(context.Background(), Rule{
		ID: "office-ip", Type: RuleTypeLocation, IsActive: true,
		Location: &LocationRule{AllowedIPs: []string{"10.0.0.1"}},
	}))
	conds := map[string]any{"dynamicRules": []any{"hours", "office-ip"}}
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	// In-hours but wrong IP: ALL fails, ANY passes.
	reqCtx := Context{CtxClientIP: "172.16.0.9"}
	all := NewEvaluator(store, nil, WithEvaluatorClock(fixedClock(at)))
	require.False(t, all.Satisfies(context.Background(), conds, reqCtx))

	anyOf := NewEvaluator(store, nil, WithCombineMode(CombineAny), WithEvaluatorClock(fixedClock(at)))
	require.True(t, anyOf.Satisfies(context.Background(), conds, reqCtx))
}

func TestDynamicRulesWithoutSourceFailClosed(t *testing.T) {
	ev := NewEvaluator(nil, nil)
	conds := map[string]any{"dynamicRules": []any{"r1"}}
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}

func TestDynamicRulesMissingAllRulesFailClosed(t *testing.T) {
	ev := NewEvaluator(NewMemoryStore(), nil)
	conds := map[string]any{"dynamicRules": []any{"ghost"}}
	require.False(t, ev.Satisfies(context.Background(), conds, Context{}))
}
