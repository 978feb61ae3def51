package authz

import (
	"context"
	"log/slog"
	"time"
)

// Condition is one evaluable constraint attached to a permission. Each
// variant owns its evaluation; adding a condition kind means adding a
// variant, not another branch in a shared if/else ladder.
type Condition interface {
	satisfied(ctx context.Context, ev *Evaluator, reqCtx Context) bool
}

// ownOnly requires the requesting user to own the target resource.
type ownOnly struct{}

func (ownOnly) satisfied(_ context.Context, _ *Evaluator, reqCtx Context) bool {
	userID := reqCtx.String(CtxUserID)
	return userID != "" && userID == reqCtx.String(CtxResourceOwnerID)
}

// organizationOnly requires the user and the target to share an
// organization scope.
type organizationOnly struct{}

func (organizationOnly) satisfied(_ context.Context, _ *Evaluator, reqCtx Context) bool {
	userOrg := reqCtx.String(CtxUserOrganizationID)
	return userOrg != "" && userOrg == reqCtx.String(CtxOrganizationID)
}

// businessHours requires 09:00-18:00 on a weekday, engine-local time.
type businessHours struct{}

func (businessHours) satisfied(_ context.Context, ev *Evaluator, _ Context) bool {
	now := ev.now()
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return now.Hour() >= 9 && now.Hour() <= 18
}

// timeWindow requires the current hour within an inclusive HH:MM range.
type timeWindow struct {
	start string
	end   string
}

func (c timeWindow) satisfied(_ context.Context, ev *Evaluator, _ Context) bool {
	startHour, ok := parseHour(c.start)
	if !ok {
		return false
	}
	endHour, ok := parseHour(c.end)
	if !ok {
		return false
	}
	hour := ev.now().Hour()
	return hour >= startHour && hour <= endHour
}

// ipAllowList requires the client IP to be one of the listed values.
type ipAllowList struct {
	ips []string
}

func (c ipAllowList) satisfied(_ context.Context, _ *Evaluator, reqCtx Context) bool {
	return containsFold(c.ips, reqCtx.String(CtxClientIP))
}

// dynamicRules defers to the rule engine for the referenced rule IDs.
type dynamicRules struct {
	ruleIDs []string
}

func (c dynamicRules) satisfied(ctx context.Context, ev *Evaluator, reqCtx Context) bool {
	return ev.evaluateRules(ctx, c.ruleIDs, reqCtx)
}

// RuleSource supplies dynamic rules to the evaluator.
type RuleSource interface {
	GetRules(ctx context.Context, ids []string) ([]Rule, error)
}

// Evaluator decides whether a permission's conditions hold for a
// request context. All recognised condition keys are conjunctive;
// unknown keys are ignored for forward compatibility.
type Evaluator struct {
	rules   RuleSource
	combine CombineMode
	clock   func() time.Time
	logger  *slog.Logger
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCombineMode sets how multiple dynamic rules combine.
func WithCombineMode(mode CombineMode) EvaluatorOption {
	return func(e *Evaluator) { e.combine = mode }
}

// WithEvaluatorClock injects the time source used by time-based
// conditions.
func WithEvaluatorClock(clock func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.clock = clock }
}

// NewEvaluator constructs a condition evaluator. rules may be nil when
// no dynamic rule engine is configured; dynamicRules conditions then
// fail closed.
func NewEvaluator(rules RuleSource, logger *slog.Logger, opts ...EvaluatorOption) *Evaluator {
	ev := &Evaluator{
		rules:   rules,
		combine: CombineAll,
		clock:   func() time.Time { return time.Now() },
		logger:  logger,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

func (e *Evaluator) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

// Satisfies reports whether every recognised condition holds against
// the request context. A permission without conditions is an
// unconditional grant; no checks run and the result is true.
func (e *Evaluator) Satisfies(ctx context.Context, conditions map[string]any, reqCtx Context) bool {
	for _, cond := range parseConditions(conditions) {
		if !cond.satisfied(ctx, e, reqCtx) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateRules(ctx context.Context, ruleIDs []string, reqCtx Context) bool {
	if len(ruleIDs) == 0 {
		return true
	}
	if e.rules == nil {
		return false
	}
	rules, err := e.rules.GetRules(ctx, ruleIDs)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("dynamic rule lookup failed", slog.Any("error", err))
		}
		return false
	}
	if len(rules) == 0 {
		return false
	}
	now := e.now()
	passed := 0
	for _, rule := range rules {
		if rule.Evaluate(reqCtx, now) {
			passed++
		}
	}
	if e.combine == CombineAny {
		return passed > 0
	}
	return passed == len(rules)
}

// parseConditions maps a raw condition document to typed variants.
// Unknown keys are skipped; malformed values for a known key produce a
// condition that fails closed rather than being ignored.
func parseConditions(raw map[string]any) []Condition {
	if len(raw) == 0 {
		return nil
	}
	conds := make([]Condition, 0, len(raw))
	for key, value := range raw {
		switch key {
		case "own_only":
			if truthy(value) {
				conds = append(conds, ownOnly{})
			}
		case "organization_only":
			if truthy(value) {
				conds = append(conds, organizationOnly{})
			}
		case "time_limit":
			if tl, ok := value.(map[string]any); ok {
				if bh, ok := tl["business_hours"]; ok && truthy(bh) {
					conds = append(conds, businessHours{})
				}
				start, hasStart := tl["start_time"].(string)
				end, hasEnd := tl["end_time"].(string)
				if hasStart && hasEnd {
					conds = append(conds, timeWindow{start: start, end: end})
				}
			}
		case "ip_whitelist":
			conds = append(conds, ipAllowList{ips: stringSlice(value)})
		case "dynamicRules":
			conds = append(conds, dynamicRules{ruleIDs: stringSlice(value)})
		}
	}
	return conds
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// stringSlice coerces []string or []any-of-string values; JSON decoding
// produces the latter.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
