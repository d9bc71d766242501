package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/3mdistal/ralph-sub004/pkg/config"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
)

// Lane orders request classes by urgency.
type Lane string

const (
	LaneCritical   Lane = "critical"
	LaneImportant  Lane = "important"
	LaneBestEffort Lane = "best_effort"
)

// Cost is the token price of one request.
type Cost int

const (
	CostRead  Cost = 1
	CostWrite Cost = 2
)

// Defer reasons reported in decisions and telemetry.
const (
	ReasonEmpty    = "empty"
	ReasonCooldown = "cooldown"
	ReasonPressure = "pressure"
)

// Decision is the outcome of one Acquire. The governor never blocks;
// a refused call carries the instant at which a retry may succeed.
type Decision struct {
	OK     bool
	Until  time.Time
	Reason string
}

// starvationAfter is how long the best-effort lane may go without a
// grant before it counts as starved.
const starvationAfter = 5 * time.Minute

// pressureDefer is the retry hint handed out while in pressure mode.
const pressureDefer = 30 * time.Second

// Governor rations hosting-service calls across three lanes. The
// critical lane is never refused. Non-critical lanes draw from token
// buckets and additionally honour a global cooldown (fed by observed
// rate limits) and a pressure mode (fed by observed remaining quota).
type Governor struct {
	important  *rate.Limiter
	bestEffort *rate.Limiter

	// cooldownUntil reports the rate-limit resume instant for the
	// active token, zero when clear.
	cooldownUntil func() time.Time
	// remainingQuota reports the last observed remaining quota,
	// negative when unknown.
	remainingQuota    func() int
	pressureThreshold int

	broker *telemetry.Broker
	now    func() time.Time

	mu              sync.Mutex
	granted         map[Lane]uint64
	deferred        map[Lane]uint64
	lastLowestGrant time.Time
	starving        bool
}

// Option configures optional collaborators.
type Option func(*Governor)

// WithCooldownObserver wires the global cooldown source.
func WithCooldownObserver(fn func() time.Time) Option {
	return func(g *Governor) { g.cooldownUntil = fn }
}

// WithQuotaObserver wires the remaining-quota source for pressure mode.
func WithQuotaObserver(fn func() int) Option {
	return func(g *Governor) { g.remainingQuota = fn }
}

// WithBroker wires defer-event telemetry.
func WithBroker(b *telemetry.Broker) Option {
	return func(g *Governor) { g.broker = b }
}

// New creates a governor from config. Capacities are bucket bursts,
// refills are tokens per second.
func New(cfg config.GovernorConfig, opts ...Option) *Governor {
	g := &Governor{
		important:         rate.NewLimiter(rate.Limit(cfg.ImportantRefill), int(cfg.ImportantCapacity)),
		bestEffort:        rate.NewLimiter(rate.Limit(cfg.BestEffortRefill), int(cfg.BestEffortCapacity)),
		cooldownUntil:     func() time.Time { return time.Time{} },
		remainingQuota:    func() int { return -1 },
		pressureThreshold: cfg.PressureThreshold,
		now:               time.Now,
		granted:           make(map[Lane]uint64),
		deferred:          make(map[Lane]uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastLowestGrant = g.now()
	return g
}

// Acquire asks for cost tokens on a lane. It never blocks: the answer
// is either a grant or a defer-until instant. A nil governor grants
// everything.
func (g *Governor) Acquire(lane Lane, cost Cost) Decision {
	if g == nil {
		return Decision{OK: true}
	}
	now := g.now()

	if lane == LaneCritical {
		g.note(lane, true, "")
		return Decision{OK: true}
	}

	if until := g.cooldownUntil(); until.After(now) {
		return g.deferUntil(lane, until, ReasonCooldown)
	}

	if lane == LaneBestEffort {
		if remaining := g.remainingQuota(); remaining >= 0 && remaining < g.pressureThreshold {
			return g.deferUntil(lane, now.Add(pressureDefer), ReasonPressure)
		}
	}

	limiter := g.important
	if lane == LaneBestEffort {
		limiter = g.bestEffort
	}
	res := limiter.ReserveN(now, int(cost))
	if !res.OK() {
		// Cost exceeds the bucket's burst; retry after a full refill.
		return g.deferUntil(lane, now.Add(time.Minute), ReasonEmpty)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return g.deferUntil(lane, now.Add(delay), ReasonEmpty)
	}

	g.note(lane, true, "")
	return Decision{OK: true}
}

func (g *Governor) deferUntil(lane Lane, until time.Time, reason string) Decision {
	g.note(lane, false, reason)
	metrics.GovernorDefers.WithLabelValues(string(lane), reason).Inc()
	g.broker.Publish(&telemetry.Event{
		Type:  telemetry.EventGovernorDefer,
		Level: telemetry.LevelDebug,
		Data: map[string]any{
			"lane":   string(lane),
			"reason": reason,
			"until":  until.UTC().Format(time.RFC3339),
		},
	})
	return Decision{Until: until, Reason: reason}
}

func (g *Governor) note(lane Lane, ok bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok {
		g.granted[lane]++
		if lane == LaneBestEffort {
			g.lastLowestGrant = g.now()
			g.starving = false
		}
		return
	}
	g.deferred[lane]++
	if lane == LaneBestEffort && !g.starving && g.now().Sub(g.lastLowestGrant) > starvationAfter {
		g.starving = true
		metrics.GovernorStarvation.WithLabelValues(string(lane)).Inc()
	}
}

// Summary is the persisted status snapshot.
type Summary struct {
	Granted         map[Lane]uint64 `json:"granted"`
	Deferred        map[Lane]uint64 `json:"deferred"`
	ImportantTokens float64         `json:"importantTokens"`
	BestEffort      float64         `json:"bestEffortTokens"`
	CooldownUntil   time.Time       `json:"cooldownUntil,omitempty"`
	RemainingQuota  int             `json:"remainingQuota"`
	Starving        bool            `json:"starving"`
}

// Snapshot reports current lane counters and bucket levels. The caller
// persists it on its own cadence; the store enforces the write floor.
func (g *Governor) Snapshot() Summary {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Summary{
		Granted:         make(map[Lane]uint64, len(g.granted)),
		Deferred:        make(map[Lane]uint64, len(g.deferred)),
		ImportantTokens: g.important.TokensAt(now),
		BestEffort:      g.bestEffort.TokensAt(now),
		RemainingQuota:  g.remainingQuota(),
		Starving:        g.starving,
	}
	for k, v := range g.granted {
		s.Granted[k] = v
	}
	for k, v := range g.deferred {
		s.Deferred[k] = v
	}
	if until := g.cooldownUntil(); until.After(now) {
		s.CooldownUntil = until
	}
	return s
}
