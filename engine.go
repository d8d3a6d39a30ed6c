package expedientes

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/oarkflow/expedientes/logger"
)

// ============================================================================
// ACCESS DECISION ORCHESTRATOR
// ============================================================================

const (
	defaultRuleCacheCounters = 10_000
	defaultRuleCacheCost     = 1_000
	defaultRuleCacheBuffer   = 64
	defaultRuleCacheTTL      = 2 * time.Second
)

// Engine combines the admin bypass, the bit check, the contextual rules and the
// ownership fallback into a single decision, and reports every decision to the
// security event logger.
type Engine struct {
	rules        RuleStore
	evaluator    *ConditionEvaluator
	events       SecurityEventLogger
	ruleCache    *ristretto.Cache
	ruleCacheTTL time.Duration
	ruleGen      atomic.Uint64
	logger       logger.Logger
	metrics      *Metrics
	now          func() time.Time
}

type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithClock overrides time.Now for decision timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithRuleCache configures the ristretto cache that holds active rules per
// (role, area, resource type). ttl <= 0 keeps entries until the next rule write
// through this Engine; only use it when no other process writes rules.
func WithRuleCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: bufferItems,
		})
		if err != nil {
			return fmt.Errorf("rule cache: %w", err)
		}
		if e.ruleCache != nil {
			e.ruleCache.Close()
		}
		e.ruleCache = c
		e.ruleCacheTTL = ttl
		return nil
	}
}

// WithoutRuleCache makes every decision read rules from the store.
func WithoutRuleCache() EngineOption {
	return func(e *Engine) error {
		if e.ruleCache != nil {
			e.ruleCache.Close()
		}
		e.ruleCache = nil
		return nil
	}
}

func NewEngine(rules RuleStore, supervisors SupervisorLookup, events SecurityEventLogger, opts ...EngineOption) (*Engine, error) {
	if rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("security event logger is required")
	}
	e := &Engine{
		rules:     rules,
		evaluator: NewConditionEvaluator(supervisors),
		events:    events,
		logger:    logger.NewNullLogger(),
		now:       time.Now,
	}
	defaults := WithRuleCache(defaultRuleCacheCounters, defaultRuleCacheCost, defaultRuleCacheBuffer, defaultRuleCacheTTL)
	if err := defaults(e); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Close releases the rule cache.
func (e *Engine) Close() {
	if e.ruleCache != nil {
		e.ruleCache.Close()
	}
}

// Decide evaluates req and records the outcome. Denials are returned as a
// Decision with Allowed=false, not as an error; errors are reserved for
// Unauthenticated, Validation and Internal failures.
func (e *Engine) Decide(ctx context.Context, req *AccessRequest) (*Decision, error) {
	d, err := e.evaluate(ctx, req, false)
	if err != nil {
		e.logFailure(req, err)
		return nil, err
	}
	e.record(ctx, req, d)
	return d, nil
}

// Explain evaluates req with a step-by-step trace. Nothing is recorded.
func (e *Engine) Explain(ctx context.Context, req *AccessRequest) (*Decision, error) {
	return e.evaluate(ctx, req, true)
}

// Authorize is Decide that turns a denial into a Forbidden error.
func (e *Engine) Authorize(ctx context.Context, req *AccessRequest) (*Decision, error) {
	d, err := e.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return d, Forbidden(endpointOf(req), d.Reason)
	}
	return d, nil
}

// AuthorizeAdmin additionally requires the bypass (Administrar bit, full mask
// or admin role); used for rule and directory management.
func (e *Engine) AuthorizeAdmin(ctx context.Context, req *AccessRequest) (*Decision, error) {
	return e.authorizeWith(ctx, req, func(d *Decision) {
		if d.Allowed && d.Reason != ReasonBypass {
			d.Allowed = false
			d.Reason = ReasonNotAdministrator
		}
	})
}

// AuthorizeOwner additionally requires ownership of req.Resource unless the
// actor bypasses; used for soft-delete, restore and purge.
func (e *Engine) AuthorizeOwner(ctx context.Context, req *AccessRequest) (*Decision, error) {
	return e.authorizeWith(ctx, req, func(d *Decision) {
		if !d.Allowed || d.Reason == ReasonBypass {
			return
		}
		if req.Resource == nil || req.Resource.OwnerID != req.Actor.ID {
			d.Allowed = false
			d.Reason = ReasonNotOwner
		}
	})
}

// CheckBit applies only the bypass and bit steps, for coarse gating before a
// resource is loaded. Denials are recorded; grants are left to the
// resource-level decision that follows.
func (e *Engine) CheckBit(ctx context.Context, req *AccessRequest) error {
	if req == nil || req.Actor == nil || req.Actor.ID == "" {
		return Unauthenticated("check bit", "no authenticated actor")
	}
	if err := ValidateMask(req.Actor.Mask); err != nil {
		return err
	}
	if !req.Bit.Valid() {
		return Validation("check bit", "bit %d out of range [0,7]", uint8(req.Bit))
	}
	if req.Actor.IsAdmin() {
		return nil
	}
	has, err := HasBit(req.Actor.Mask, req.Bit)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	d := &Decision{Bit: req.Bit, Reason: ReasonMissingBit, Timestamp: e.now()}
	e.record(ctx, req, d)
	return Forbidden(endpointOf(req), ReasonMissingBit)
}

func (e *Engine) authorizeWith(ctx context.Context, req *AccessRequest, narrow func(*Decision)) (*Decision, error) {
	d, err := e.evaluate(ctx, req, false)
	if err != nil {
		e.logFailure(req, err)
		return nil, err
	}
	narrow(d)
	e.record(ctx, req, d)
	if !d.Allowed {
		return d, Forbidden(endpointOf(req), d.Reason)
	}
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, req *AccessRequest, trace bool) (*Decision, error) {
	const op = "decide"
	if req == nil || req.Actor == nil || req.Actor.ID == "" {
		return nil, Unauthenticated(op, "no authenticated actor")
	}
	actor := req.Actor
	if err := ValidateMask(actor.Mask); err != nil {
		return nil, err
	}
	if !req.Bit.Valid() {
		return nil, Validation(op, "bit %d out of range [0,7]", uint8(req.Bit))
	}
	d := &Decision{Bit: req.Bit, Timestamp: e.now()}
	step := func(format string, args ...any) {
		if trace {
			d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
		}
	}

	// 1. Bypass
	step("1. bypass: role=%s mask=%d", actor.Role, actor.Mask)
	if actor.IsAdmin() {
		d.Allowed = true
		d.Reason = ReasonBypass
		step("   ALLOW by bypass")
		return d, nil
	}

	// 2. Bit
	has, err := HasBit(actor.Mask, req.Bit)
	if err != nil {
		return nil, err
	}
	step("2. bit %s (%d) in mask %d: %t", req.Bit.Name(), req.Bit.Value(), actor.Mask, has)
	if !has {
		d.Reason = ReasonMissingBit
		step("   DENY missing bit")
		return d, nil
	}

	// 3. Contextual rules relate actor and resource; collection requests carry
	// no resource and are filtered per item by the caller.
	if req.Resource == nil {
		d.Allowed = true
		d.Reason = ReasonBitGranted
		step("3. no resource: contextual rules not applicable")
		step("5. ALLOW by bit")
		return d, nil
	}
	rules, err := e.activeRules(ctx, actor.Role, actor.AreaID, req.ResourceType)
	if err != nil {
		return nil, Internal(op, err)
	}
	candidates := make([]*ContextualRule, 0, len(rules))
	for _, r := range rules {
		if r.Action != req.Bit || r.RoleID != actor.Role || r.AreaID != actor.AreaID {
			continue
		}
		if !r.Condition.Valid() {
			return nil, Internal(op, fmt.Errorf("rule %s has malformed condition %q", r.ID, string(r.Condition)))
		}
		candidates = append(candidates, r)
		d.Rules = append(d.Rules, r.ID)
	}
	step("3. contextual rules for (%s, %s, %s, %s): %d", actor.Role, actor.AreaID, req.ResourceType, req.Bit.Name(), len(candidates))
	if len(candidates) > 0 {
		for _, r := range candidates {
			ok, err := e.evaluator.Match(ctx, r.Condition, actor, req.Resource)
			if err != nil {
				return nil, err
			}
			step("   rule %s condition=%s matched=%t", r.ID, r.Condition, ok)
			if ok {
				d.Allowed = true
				d.Reason = ReasonContextRuleMatched
				d.MatchedRule = r.ID
				step("   ALLOW by rule %s", r.ID)
				return d, nil
			}
		}
		d.Reason = ReasonContextRuleRejected
		step("   DENY no rule matched")
		return d, nil
	}

	// 4. Ownership fallback for resource-scoped actions
	if req.Resource != nil && resourceScoped(req.Bit) {
		owner := req.Resource.OwnerID == actor.ID
		step("4. ownership: owner=%s actor=%s", req.Resource.OwnerID, actor.ID)
		if owner {
			d.Allowed = true
			d.Reason = ReasonOwner
			step("   ALLOW by ownership")
			return d, nil
		}
		d.Reason = ReasonNotOwner
		step("   DENY not owner")
		return d, nil
	}

	// 5. Bit alone
	d.Allowed = true
	d.Reason = ReasonBitGranted
	step("5. ALLOW by bit")
	return d, nil
}

// resourceScoped lists the bits that fall back to ownership when no contextual
// rule applies to a specific resource.
func resourceScoped(b Bit) bool {
	switch b {
	case BitEditar, BitEliminar, BitDerivar:
		return true
	}
	return false
}

// ruleCacheKey length-prefixes the ids so no two (role, area) pairs share a key.
func ruleCacheKey(role, area string, rt ResourceType) string {
	return fmt.Sprintf("%d:%s|%d:%s|%s", len(role), role, len(area), area, rt)
}

// cachedRules is tagged with the rule generation it was read under; entries
// from an older generation are ignored.
type cachedRules struct {
	gen   uint64
	rules []*ContextualRule
}

func (e *Engine) activeRules(ctx context.Context, role, area string, rt ResourceType) ([]*ContextualRule, error) {
	key := ruleCacheKey(role, area, rt)
	gen := e.ruleGen.Load()
	if e.ruleCache != nil {
		if v, ok := e.ruleCache.Get(key); ok {
			if c, ok := v.(cachedRules); ok && c.gen == gen {
				e.metrics.cache(true)
				return c.rules, nil
			}
		}
		e.metrics.cache(false)
	}
	rules, err := e.rules.ListRules(ctx, RuleFilter{RoleID: role, AreaID: area, ResourceType: rt, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	// A rule write during the read leaves this result stale; it is used for
	// the in-flight decision only.
	if e.ruleCache != nil && e.ruleGen.Load() == gen {
		entry := cachedRules{gen: gen, rules: rules}
		if e.ruleCacheTTL > 0 {
			e.ruleCache.SetWithTTL(key, entry, 1, e.ruleCacheTTL)
		} else {
			e.ruleCache.Set(key, entry, 1)
		}
	}
	return rules, nil
}

// InvalidateRuleCache drops every cached rule list. The cache is per process:
// rule writes made through another Engine sharing the same store are only
// seen once the entries expire, so keep the TTL short in that deployment.
func (e *Engine) InvalidateRuleCache() {
	e.ruleGen.Add(1)
	if e.ruleCache != nil {
		e.ruleCache.Clear()
	}
}

func endpointOf(req *AccessRequest) string {
	if req == nil || req.Endpoint == "" {
		return "authorize"
	}
	return req.Endpoint
}

func (e *Engine) record(ctx context.Context, req *AccessRequest, d *Decision) {
	e.metrics.decision(d)
	ev := &SecurityEvent{
		ID:           uuid.NewString(),
		Timestamp:    d.Timestamp,
		Endpoint:     endpointOf(req),
		ActorID:      req.Actor.ID,
		Role:         req.Actor.Role,
		AreaID:       req.Actor.AreaID,
		Mask:         req.Actor.Mask,
		Bit:          d.Bit,
		ResourceType: req.ResourceType,
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		RuleID:       d.MatchedRule,
	}
	if req.Resource != nil {
		ev.ResourceID = req.Resource.ID
	}
	if ev.RuleID == "" && len(d.Rules) > 0 {
		ev.RuleID = strings.Join(d.Rules, ",")
	}
	e.logger.Info("access decision",
		"endpoint", ev.Endpoint,
		"actor", ev.ActorID,
		"mask", ev.Mask,
		"bit", d.Bit.Name(),
		"resource_type", string(ev.ResourceType),
		"resource", ev.ResourceID,
		"allowed", d.Allowed,
		"reason", string(d.Reason),
		"rule", ev.RuleID,
	)
	if err := e.events.LogSecurityEvent(ctx, ev); err != nil {
		e.metrics.securityLogFailed()
		e.logger.Error("security event not persisted", "event", ev.ID, "actor", ev.ActorID, "allowed", ev.Allowed, "error", err)
	}
}

func (e *Engine) logFailure(req *AccessRequest, err error) {
	actorID := ""
	if req != nil && req.Actor != nil {
		actorID = req.Actor.ID
	}
	e.logger.Error("access decision failed", "endpoint", endpointOf(req), "actor", actorID, "kind", KindOf(err).String(), "error", err)
}

// SecurityEvents lists recorded decisions; requires the Auditar bit.
func (e *Engine) SecurityEvents(ctx context.Context, actor *Actor, filter SecurityEventFilter) ([]*SecurityEvent, error) {
	const op = "security events"
	if _, err := e.Authorize(ctx, &AccessRequest{Endpoint: op, Actor: actor, Bit: BitAuditar, ResourceType: ResourceAudit}); err != nil {
		return nil, err
	}
	store, ok := e.events.(SecurityEventStore)
	if !ok {
		return nil, Internal(op, fmt.Errorf("security event logger %T is not queryable", e.events))
	}
	out, err := store.ListSecurityEvents(ctx, filter)
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return out, nil
}
