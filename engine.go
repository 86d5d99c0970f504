package driftguard

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// identityState owns everything tracked for one identity: one window per
// configured scale, the latest composite score and the enforcement state.
// Created lazily on first record, destroyed by eviction.
type identityState struct {
	key string

	mu       sync.Mutex
	windows  []*WindowState
	lastSeen time.Time
	score    *CompositeScore
	decision decisionState
}

// shard is one slice of the identity table with its own lock, so concurrent
// records for unrelated identities never contend on a global structure.
type shard struct {
	mu  sync.RWMutex
	ids map[string]*identityState
}

// Engine is the anomaly-detection core. Many goroutines may call Record and
// Decide concurrently; a single periodic evaluation cycle folds statistics,
// scores identities, correlates campaigns and steps decisions.
type Engine struct {
	cfg    *Config
	policy atomic.Pointer[DecisionPolicy]
	scorer atomic.Pointer[Scorer]

	shards   []*shard
	detector *CorrelationDetector

	campMu    sync.RWMutex
	campaigns []Campaign

	// evalMu serializes the evaluation cycle with policy swaps so the
	// detector's thresholds never change mid-pass.
	evalMu      sync.Mutex
	cursor      int
	confirmedID map[string]bool

	store    DecisionStore
	ledger   Ledger
	notifier *NotificationRegistry
	metrics  Collector
	logger   *zap.Logger
	clock    func() time.Time

	running atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics collector. Defaults to a nop collector.
func WithMetrics(m Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithDecisionStore shares bans and operator lists across gateway replicas.
func WithDecisionStore(s DecisionStore) Option { return func(e *Engine) { e.store = s } }

// WithLedger records escalations and confirmed campaigns for operators.
func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithNotifier wires notification senders for confirmed campaigns and blocks.
func WithNotifier(n *NotificationRegistry) Option { return func(e *Engine) { e.notifier = n } }

// WithClock overrides the time source; simulations and tests drive the
// engine with a synthetic clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// NewEngine validates the config and builds an engine. Start launches the
// evaluation loop; an engine used without Start can be driven manually with
// RunCycle.
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		detector:    NewCorrelationDetector(cfg),
		confirmedID: make(map[string]bool),
		logger:      zap.NewNop(),
		metrics:     NopCollector{},
		clock:       time.Now,
	}
	e.policy.Store(policyFromConfig(cfg))
	e.scorer.Store(NewScorer(cfg))
	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = &shard{ids: make(map[string]*identityState)}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the periodic evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("driftguard: engine already running")
	}
	e.stopped.Store(false)
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("engine started",
		zap.Duration("bucket_width", e.cfg.BucketWidth),
		zap.Int("scales", len(e.cfg.WindowSpans)),
		zap.Int("shards", e.cfg.Shards),
		zap.Duration("evaluation_interval", e.cfg.EvaluationInterval),
	)
	return nil
}

// Stop cancels the evaluation loop and waits for an in-flight cycle to end.
// Evaluation only reads tracked statistics, so aborting mid-cycle leaves no
// partially mutated state.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.stopped.Store(true)
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(e.clock())
		}
	}
}

// Record ingests one request event for an identity, creating its state on
// first touch. The hot path increments the current bucket of every scale;
// the statistical fold is deferred to the evaluation cycle.
func (e *Engine) Record(identity string, ts time.Time) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if identity == "" {
		e.metrics.IncrementCounter("driftguard_record_errors_total", map[string]string{"reason": "invalid_identity"})
		return ErrInvalidIdentity
	}
	id := e.getOrCreate(identity, ts)

	id.mu.Lock()
	defer id.mu.Unlock()
	if ts.Before(id.lastSeen.Add(-e.cfg.ClockSkewTolerance)) {
		e.metrics.IncrementCounter("driftguard_record_errors_total", map[string]string{"reason": "clock_skew"})
		return fmt.Errorf("%w: %s behind last seen %s", ErrClockSkew, ts.Format(time.RFC3339Nano), id.lastSeen.Format(time.RFC3339Nano))
	}
	for _, w := range id.windows {
		w.Record(ts)
	}
	if ts.After(id.lastSeen) {
		id.lastSeen = ts
	}
	e.metrics.IncrementCounter("driftguard_records_total", nil)
	return nil
}

// Decide returns the cached enforcement decision for an identity. It never
// runs the correlation pass; the only work beyond map lookups is consuming a
// throttle token. Unknown identities are allowed — fail open is the default,
// only an explicit block fails closed.
func (e *Engine) Decide(identity string) Decision {
	now := e.clock()
	p := e.policy.Load()

	if e.store != nil {
		if v, err := e.store.ListVerdict(identity); err == nil && v != ListNone {
			d := Decision{Identity: identity, Action: ActionAllow, ExpiresAt: now.Add(e.cfg.EvaluationInterval)}
			if v == ListDeny {
				d.Action = ActionBlock
			}
			e.metrics.IncrementCounter("driftguard_decisions_total", map[string]string{"action": string(d.Action)})
			return d
		}
	}

	// Bans shared by other replicas apply whether or not this replica
	// tracks the identity. Callers amortize the store hop by caching the
	// decision until ExpiresAt.
	if e.store != nil {
		if ban, err := e.store.GetBan(identity); err == nil && ban != nil && now.Before(ban.Until) {
			e.metrics.IncrementCounter("driftguard_decisions_total", map[string]string{"action": string(ActionBlock)})
			return Decision{Identity: identity, Action: ActionBlock, RetryAfter: ban.Until.Sub(now), ExpiresAt: ban.Until}
		}
	}

	s := e.shardFor(identity)
	s.mu.RLock()
	id := s.ids[identity]
	s.mu.RUnlock()

	if id == nil {
		e.metrics.IncrementCounter("driftguard_decisions_total", map[string]string{"action": string(ActionAllow)})
		return Decision{Identity: identity, Action: ActionAllow, ExpiresAt: now.Add(e.cfg.EvaluationInterval)}
	}

	id.mu.Lock()
	d := id.decision.Decide(identity, now, p, e.cfg.EvaluationInterval)
	id.mu.Unlock()
	e.metrics.IncrementCounter("driftguard_decisions_total", map[string]string{"action": string(d.Action)})
	return d
}

// Inspect returns the latest composite score for a tracked identity,
// computing one on demand when no evaluation cycle has scored it yet.
func (e *Engine) Inspect(identity string) (*CompositeScore, error) {
	s := e.shardFor(identity)
	s.mu.RLock()
	id := s.ids[identity]
	s.mu.RUnlock()
	if id == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, identity)
	}
	now := e.clock()
	sc := e.scorer.Load()
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, w := range id.windows {
		w.Fold(now, 0)
	}
	id.score = sc.Score(id.windows, now)
	return id.score, nil
}

// Campaigns returns the campaigns from the most recent correlation pass.
func (e *Engine) Campaigns() []Campaign {
	e.campMu.RLock()
	defer e.campMu.RUnlock()
	out := make([]Campaign, len(e.campaigns))
	copy(out, e.campaigns)
	return out
}

// TrackedIdentities reports the current identity-table population.
func (e *Engine) TrackedIdentities() int {
	total := 0
	for _, s := range e.shards {
		s.mu.RLock()
		total += len(s.ids)
		s.mu.RUnlock()
	}
	return total
}

// ApplyPolicy swaps the reloadable policy subset (thresholds, weights,
// decision timing, correlation limits) from a freshly validated config.
// Window geometry is immutable; a geometry change is rejected.
func (e *Engine) ApplyPolicy(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.BucketWidth != e.cfg.BucketWidth || len(cfg.WindowSpans) != len(e.cfg.WindowSpans) {
		return fmt.Errorf("%w: window geometry cannot change at runtime", ErrConfigInvalid)
	}
	for i, span := range cfg.WindowSpans {
		if e.cfg.WindowSpans[i] != span {
			return fmt.Errorf("%w: window geometry cannot change at runtime", ErrConfigInvalid)
		}
	}
	e.evalMu.Lock()
	e.detector.simThresh = cfg.CampaignSimilarity
	e.detector.minCombined = cfg.FlagThreshold / 2
	e.detector.minMembers = cfg.CampaignMinMembers
	e.detector.maxPairwise = cfg.MaxPairwise
	e.evalMu.Unlock()
	e.policy.Store(policyFromConfig(cfg))
	e.scorer.Store(NewScorer(cfg))
	e.logger.Info("policy reloaded",
		zap.Float64("flag_threshold", cfg.FlagThreshold),
		zap.Int("campaign_min_members", cfg.CampaignMinMembers),
	)
	return nil
}

/// RunCycle executes one evaluation pass at the given instant: fold and decay
// window statistics, score every identity, correlate signatures into
// campaigns, step decision states and evict idle identities. The pass is
// bounded by the configured cycle budget and resumes from its shard cursor
// on the next cycle when the population is too large to finish.
func (e *Engine) RunCycle(now time.Time) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	started := time.Now()
	deadline := started.Add(e.cfg.CycleBudget)
	p := e.policy.Load()
	sc := e.scorer.Load()
	maxFolds := 0

	var (
		evaluated []*identityState
		snapshot  []SignatureRecord
		evicted   int
	)

	budgetHit := false
	for i := 0; i < len(e.shards); i++ {
		si := (e.cursor + i) % len(e.shards)
		s := e.shards[si]

		s.mu.RLock()
		ids := make([]*identityState, 0, len(s.ids))
		for _, id := range s.ids {
			ids = append(ids, id)
		}
		s.mu.RUnlock()

		var stale []string
		for _, id := range ids {
			if rec, idle := e.evalIdentity(id, now, sc, maxFolds); idle {
				stale = append(stale, id.key)
			} else if rec != nil {
				snapshot = append(snapshot, *rec)
				evaluated = append(evaluated, id)
			}
		}
		if len(stale) > 0 {
			s.mu.Lock()
			for _, key := range stale {
				delete(s.ids, key)
			}
			s.mu.Unlock()
			evicted += len(stale)
		}

		if time.Now().After(deadline) {
			e.cursor = (si + 1) % len(e.shards)
			budgetHit = true
			break
		}
	}
	if !budgetHit {
		e.cursor = 0
	}

	campaigns := e.detector.Detect(snapshot, now)
	memberOf := make(map[string]string)
	for _, c := range campaigns {
		if !c.Confirmed {
			continue
		}
		for _, m := range c.Members {
			memberOf[m] = c.ID
		}
		if !e.confirmedID[c.ID] {
			e.confirmedID[c.ID] = true
			e.onCampaignConfirmed(c, now)
		}
	}
	// Forget confirmation marks for campaigns that dissolved.
	live := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		live[c.ID] = true
	}
	for id := range e.confirmedID {
		if !live[id] {
			delete(e.confirmedID, id)
		}
	}

	for _, id := range evaluated {
		e.stepIdentity(id, memberOf, now, p)
	}

	e.campMu.Lock()
	e.campaigns = campaigns
	e.campMu.Unlock()

	e.metrics.SetGauge("driftguard_identities", float64(e.TrackedIdentities()), nil)
	e.metrics.SetGauge("driftguard_campaigns", float64(len(campaigns)), nil)
	if evicted > 0 {
		e.metrics.IncrementCounterBy("driftguard_evictions_total", float64(evicted), nil)
	}
	e.metrics.ObserveHistogram("driftguard_cycle_seconds", time.Since(started).Seconds(), nil)
	if budgetHit {
		e.logger.Warn("evaluation cycle hit budget, resuming next cycle",
			zap.Int("resume_shard", e.cursor),
			zap.Int("evaluated", len(evaluated)),
		)
	}
}

// evalIdentity folds, decays and scores one identity. A panic while scoring
// is isolated to that identity so one malformed entry cannot blind the whole
// cycle. The second return reports that the identity is idle past the
// retention horizon and should be evicted.
func (e *Engine) evalIdentity(id *identityState, now time.Time, sc *Scorer, maxFolds int) (rec *SignatureRecord, idle bool) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncrementCounter("driftguard_eval_panics_total", nil)
			e.logger.Error("evaluation panic isolated",
				zap.String("identity", id.key),
				zap.Any("panic", r),
			)
			rec, idle = nil, false
		}
	}()

	id.mu.Lock()
	defer id.mu.Unlock()

	if now.Sub(id.lastSeen) > e.cfg.RetentionHorizon {
		return nil, true
	}
	for _, w := range id.windows {
		w.Fold(now, maxFolds)
		w.Decay(now, e.cfg.DecayFactor, e.cfg.DecayInterval)
	}
	id.score = sc.Score(id.windows, now)
	return &SignatureRecord{Key: id.key, Signature: id.score.Signature, Combined: id.score.Combined}, false
}

// stepIdentity advances one identity's decision state with the campaign
// verdict from this cycle and emits side effects on transitions.
func (e *Engine) stepIdentity(id *identityState, memberOf map[string]string, now time.Time, p *DecisionPolicy) {
	id.mu.Lock()
	campaignID := memberOf[id.key]
	id.decision.campaignID = campaignID
	prev := id.decision.state
	id.decision.Step(id.score.Combined, campaignID != "", now, p)
	next := id.decision.state
	combined := id.score.Combined
	blockedUntil := id.decision.blockedUntil
	id.mu.Unlock()

	if next == prev {
		return
	}
	e.metrics.IncrementCounter("driftguard_transitions_total", map[string]string{"state": next.String()})
	e.logger.Info("decision state changed",
		zap.String("identity", id.key),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Float64("combined", combined),
		zap.String("campaign", campaignID),
	)
	if e.ledger != nil {
		e.ledger.RecordEscalation(EscalationEvent{
			Identity:   id.key,
			From:       prev.String(),
			To:         next.String(),
			Combined:   combined,
			CampaignID: campaignID,
			At:         now,
		})
	}
	if next == StateBlocked {
		if e.store != nil {
			if err := e.store.SetBan(id.key, &Ban{Until: blockedUntil, Reason: "anomaly persistence"}); err != nil {
				e.logger.Error("ban propagation failed", zap.String("identity", id.key), zap.Error(err))
			}
		}
		if e.notifier != nil {
			e.notifier.Notify(Event{
				Kind:     EventIdentityBlocked,
				Identity: id.key,
				Combined: combined,
				At:       now,
			})
		}
	}
	if prev == StateBlocked && e.store != nil {
		if err := e.store.DeleteBan(id.key); err != nil {
			e.logger.Error("ban release failed", zap.String("identity", id.key), zap.Error(err))
		}
	}
}

func (e *Engine) onCampaignConfirmed(c Campaign, now time.Time) {
	e.logger.Warn("campaign confirmed",
		zap.String("campaign", c.ID),
		zap.Int("members", len(c.Members)),
		zap.Float64("cohesion", c.Cohesion),
	)
	e.metrics.IncrementCounter("driftguard_campaigns_confirmed_total", nil)
	if e.ledger != nil {
		e.ledger.RecordCampaign(c)
	}
	if e.notifier != nil {
		e.notifier.Notify(Event{
			Kind:     EventCampaignConfirmed,
			Campaign: &c,
			At:       now,
		})
	}
}

func (e *Engine) shardFor(identity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) getOrCreate(identity string, ts time.Time) *identityState {
	s := e.shardFor(identity)
	s.mu.RLock()
	id := s.ids[identity]
	s.mu.RUnlock()
	if id != nil {
		return id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id = s.ids[identity]; id != nil {
		return id
	}
	id = &identityState{key: identity, lastSeen: ts}
	id.windows = make([]*WindowState, 0, len(e.cfg.WindowSpans))
	for _, span := range e.cfg.WindowSpans {
		w := NewWindowState(span, e.cfg.BucketWidth, ts)
		if e.cfg.WarmupSamples > 0 {
			w.Seed(1/e.cfg.BucketWidth.Seconds(), e.cfg.WarmupSamples)
		}
		id.windows = append(id.windows, w)
	}
	s.ids[identity] = id
	return id
}
