package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dapforge/authcore/internal/audit"
	"github.com/dapforge/authcore/internal/observability"
)

// grant provenance, in tie-break precedence order.
const (
	sourceDirect = iota
	sourceRole
	sourceGroup
)

// Engine is the public entry point for permission checks. It combines
// role-resolved and group-resolved permissions, deduplicates by
// (resource, action) keeping the highest-priority grant, evaluates
// conditions, and memoises decisions in the injected cache. A cache
// outage never fails a check; the engine falls back to direct
// computation.
type Engine struct {
	store      Store
	cache      *DecisionCache
	resolver   *Resolver
	hierarchy  *Hierarchy
	evaluator  *Evaluator
	auditor    audit.Recorder
	metrics    *observability.Metrics
	logger     *slog.Logger
	batchLimit int
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithAuditor sets the audit sink for denied checks.
func WithAuditor(auditor audit.Recorder) EngineOption {
	return func(e *Engine) { e.auditor = auditor }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithBatchLimit bounds PreCheck concurrency.
func WithBatchLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.batchLimit = limit
		}
	}
}

// WithEvaluator replaces the default condition evaluator.
func WithEvaluator(evaluator *Evaluator) EngineOption {
	return func(e *Engine) { e.evaluator = evaluator }
}

// NewEngine constructs an engine over the given store and cache. The
// cache client is injected so its lifetime is owned by the service and
// an unavailable backend is swappable in tests.
func NewEngine(store Store, cache *DecisionCache, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		cache:      cache,
		resolver:   NewResolver(store, logger),
		hierarchy:  NewHierarchy(store, logger),
		auditor:    audit.NopRecorder{},
		logger:     logger,
		batchLimit: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		e.evaluator = NewEvaluator(store, logger)
	}
	return e
}

// Check decides whether userID may perform action on resource under the
// given request context. Denial outcomes (NO_PERMISSION,
// CONDITIONS_NOT_MET, USER_NOT_FOUND) are decisions, not errors; the
// returned error is reserved for store failures.
func (e *Engine) Check(ctx context.Context, userID, resource, action string, reqCtx Context) (Decision, error) {
	start := time.Now()
	key := e.cache.Key(userID, resource, action, reqCtx)

	cacheDown := false
	cached, hit, err := e.cache.Get(ctx, key)
	if err != nil {
		// Fail open to computation: an unavailable cache elevates
		// latency, it never denies service.
		cacheDown = true
		e.metrics.CacheFallback()
		if e.logger != nil {
			e.logger.Warn("decision cache read failed", slog.Any("error", err))
		}
	}
	if hit {
		e.metrics.CacheHit()
		e.metrics.ObserveDecision(string(cached.Reason), time.Since(start))
		return cached, nil
	}
	e.metrics.CacheMiss()

	decision, err := e.compute(ctx, userID, resource, action, reqCtx)
	if err != nil {
		return Decision{}, err
	}

	if !cacheDown && decision.Reason != ReasonUserNotFound {
		if err := e.cache.Put(ctx, key, decision, e.cache.TTLFor(resource)); err != nil {
			e.metrics.CacheFallback()
			if e.logger != nil {
				e.logger.Warn("decision cache write failed", slog.Any("error", err))
			}
		}
	}
	if !decision.Allowed {
		e.recordDeny(ctx, userID, resource, action, decision)
	}
	e.metrics.ObserveDecision(string(decision.Reason), time.Since(start))
	return decision, nil
}

// PreCheck evaluates a batch of operations for one principal. Entries
// are independent and run concurrently; a failure on one operation
// yields a CHECK_ERROR decision for that key only and never aborts the
// batch.
func (e *Engine) PreCheck(ctx context.Context, userID string, ops []Operation) map[string]Decision {
	results := make(map[string]Decision, len(ops))
	if len(ops) == 0 {
		return results
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchLimit)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			decision := e.checkOperation(gctx, userID, op)
			mu.Lock()
			results[op.Key()] = decision
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) checkOperation(ctx context.Context, userID string, op Operation) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("precheck operation panicked",
					slog.String("user", userID),
					slog.String("op", op.Key()),
					slog.Any("panic", r))
			}
			decision = Decision{Allowed: false, Reason: ReasonCheckError}
		}
	}()
	if op.Resource == "" || op.Action == "" {
		return Decision{Allowed: false, Reason: ReasonCheckError}
	}
	d, err := e.Check(ctx, userID, op.Resource, op.Action, op.Context)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("precheck operation failed",
				slog.String("user", userID),
				slog.String("op", op.Key()),
				slog.Any("error", err))
		}
		return Decision{Allowed: false, Reason: ReasonCheckError}
	}
	return d
}

// compute resolves the user's effective grants and evaluates the
// request against them.
func (e *Engine) compute(ctx context.Context, userID, resource, action string, reqCtx Context) (Decision, error) {
	roleIDs, err := e.store.GetUserRoles(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Decision{Allowed: false, Reason: ReasonUserNotFound}, nil
		}
		return Decision{}, fmt.Errorf("authz: load user roles: %w", err)
	}
	groupIDs, err := e.store.GetUserGroups(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return Decision{}, fmt.Errorf("authz: load user groups: %w", err)
	}

	// Role closure, group closure and direct grants are independent
	// reads; resolve them in parallel.
	var rolePerms, groupPerms, directPerms []Permission
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		roles := make([]Role, 0, len(roleIDs))
		for _, id := range roleIDs {
			role, err := e.store.GetRole(gctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return fmt.Errorf("authz: load role %s: %w", id, err)
			}
			roles = append(roles, role)
		}
		rolePerms = e.resolver.Resolve(gctx, roles)
		return nil
	})
	g.Go(func() error {
		for _, id := range groupIDs {
			perms, err := e.hierarchy.CompletePermissions(gctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return fmt.Errorf("authz: resolve group %s: %w", id, err)
			}
			groupPerms = append(groupPerms, perms...)
		}
		return nil
	})
	g.Go(func() error {
		perms, err := e.store.GetUserPermissions(gctx, userID)
		if err != nil {
			return fmt.Errorf("authz: load direct permissions: %w", err)
		}
		directPerms = perms
		return nil
	})
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	candidates := mergeGrants(directPerms, rolePerms, groupPerms)
	matches := candidates[:0]
	for _, cand := range candidates {
		if cand.perm.Matches(resource, action) {
			matches = append(matches, cand)
		}
	}
	if len(matches) == 0 {
		return Decision{Allowed: false, Reason: ReasonNoPermission}, nil
	}
	sortCandidates(matches)

	for _, cand := range matches {
		perm := cand.perm
		if !perm.Conditional() {
			return Decision{Allowed: true, Reason: ReasonGranted, Matched: &perm}, nil
		}
		if e.evaluator.Satisfies(ctx, perm.Conditions, reqCtx) {
			return Decision{Allowed: true, Reason: ReasonConditionalGranted, Matched: &perm}, nil
		}
	}
	return Decision{Allowed: false, Reason: ReasonConditionsNotMet}, nil
}

func (e *Engine) recordDeny(ctx context.Context, userID, resource, action string, decision Decision) {
	if e.auditor == nil {
		return
	}
	event := audit.NewEvent(userID, "authz.check", resource+":"+action, audit.OutcomeDenied)
	event.Meta = map[string]any{"reason": string(decision.Reason)}
	if err := e.auditor.Record(ctx, event); err != nil && e.logger != nil {
		e.logger.Warn("record audit event", slog.Any("error", err))
	}
}

type candidate struct {
	perm   Permission
	source int
}

// mergeGrants deduplicates grants by (resource, action), keeping the
// highest-priority one. On equal priority the earlier source wins:
// direct over role over group.
func mergeGrants(direct, rolePerms, groupPerms []Permission) []candidate {
	byKey := make(map[string]candidate)
	var order []string
	insert := func(perms []Permission, source int) {
		for _, perm := range perms {
			key := perm.Key()
			existing, ok := byKey[key]
			if !ok {
				byKey[key] = candidate{perm: perm, source: source}
				order = append(order, key)
				continue
			}
			if perm.Priority > existing.perm.Priority {
				byKey[key] = candidate{perm: perm, source: source}
			}
		}
	}
	insert(direct, sourceDirect)
	insert(rolePerms, sourceRole)
	insert(groupPerms, sourceGroup)

	out := make([]candidate, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// sortCandidates fixes the match evaluation order: priority descending,
// then source precedence, then key, so first-match is deterministic.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].perm.Priority != cands[j].perm.Priority {
			return cands[i].perm.Priority > cands[j].perm.Priority
		}
		if cands[i].source != cands[j].source {
			return cands[i].source < cands[j].source
		}
		return cands[i].perm.Key() < cands[j].perm.Key()
	})
}
