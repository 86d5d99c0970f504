package driftguard

import (
	"time"

	"golang.org/x/time/rate"
)

// Action is what the gateway should do with a request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionThrottle  Action = "throttle"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Decision is the hot-path answer for one identity. It is derived state,
// recomputed from the tracked score and campaign membership, never the
// source of truth.
type Decision struct {
	Identity   string        `json:"identity"`
	Action     Action        `json:"action"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	CampaignID string        `json:"campaignId,omitempty"`
}

// State is the per-identity enforcement state.
type State int

const (
	StateNormal State = iota
	StateSuspect
	StateThrottled
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspect:
		return "suspect"
	case StateThrottled:
		return "throttled"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DecisionPolicy holds the reloadable thresholds driving the state machine.
type DecisionPolicy struct {
	FlagThreshold    float64
	EscalationCycles int
	CooldownCycles   int
	BanDuration      time.Duration
	ThrottleRPS      float64
	ThrottleBurst    int
}

func policyFromConfig(cfg *Config) *DecisionPolicy {
	return &DecisionPolicy{
		FlagThreshold:    cfg.FlagThreshold,
		EscalationCycles: cfg.EscalationCycles,
		CooldownCycles:   cfg.CooldownCycles,
		BanDuration:      cfg.BanDuration,
		ThrottleRPS:      cfg.ThrottleRPS,
		ThrottleBurst:    cfg.ThrottleBurst,
	}
}

// decisionState is the mutable per-identity enforcement record. It is only
// stepped by the evaluation cycle; the request path merely reads it (and
// consumes throttle tokens).
type decisionState struct {
	state           State
	campaignID      string
	anomalousCycles int
	quietCycles     int
	blockedUntil    time.Time
	changedAt       time.Time
	limiter         *rate.Limiter
}

// Step advances the state machine by one evaluation cycle.
//
//	Normal -> Suspect    combined >= k/2
//	Suspect -> Throttled combined >= k, or confirmed campaign membership
//	Throttled -> Blocked anomaly persisted for EscalationCycles cycles
//	any -> one state down after CooldownCycles quiet cycles
//	Blocked -> Suspect   when the ban expires (never straight to Normal)
func (ds *decisionState) Step(combined float64, inCampaign bool, now time.Time, p *DecisionPolicy) {
	anomalous := combined >= p.FlagThreshold || inCampaign
	elevated := combined >= p.FlagThreshold/2 || inCampaign

	if ds.state == StateBlocked {
		if now.Before(ds.blockedUntil) {
			return
		}
		ds.transition(StateSuspect, now)
		return
	}

	if elevated {
		ds.quietCycles = 0
	} else {
		ds.quietCycles++
	}

	switch ds.state {
	case StateNormal:
		if elevated {
			ds.transition(StateSuspect, now)
		}
	case StateSuspect:
		if anomalous {
			ds.transition(StateThrottled, now)
			ds.limiter = rate.NewLimiter(rate.Limit(p.ThrottleRPS), p.ThrottleBurst)
		} else if ds.quietCycles >= p.CooldownCycles {
			ds.transition(StateNormal, now)
		}
	case StateThrottled:
		if anomalous {
			ds.anomalousCycles++
			if ds.anomalousCycles >= p.EscalationCycles {
				ds.transition(StateBlocked, now)
				ds.blockedUntil = now.Add(p.BanDuration)
			}
		} else {
			ds.anomalousCycles = 0
			if ds.quietCycles >= p.CooldownCycles {
				ds.transition(StateSuspect, now)
			}
		}
	}
}

func (ds *decisionState) transition(to State, now time.Time) {
	ds.state = to
	ds.changedAt = now
	ds.anomalousCycles = 0
	ds.quietCycles = 0
	if to != StateThrottled {
		ds.limiter = nil
	}
}

// Decide maps the current state to an action. Throttled identities pass
// through a token bucket so legitimate residual traffic still trickles
// through at the configured pace.
func (ds *decisionState) Decide(identity string, now time.Time, p *DecisionPolicy, cacheTTL time.Duration) Decision {
	d := Decision{
		Identity:   identity,
		Action:     ActionAllow,
		ExpiresAt:  now.Add(cacheTTL),
		CampaignID: ds.campaignID,
	}
	switch ds.state {
	case StateSuspect:
		d.Action = ActionChallenge
	case StateThrottled:
		if ds.limiter == nil || !ds.limiter.Allow() {
			d.Action = ActionThrottle
			d.RetryAfter = time.Duration(float64(time.Second) / p.ThrottleRPS)
		}
	case StateBlocked:
		d.Action = ActionBlock
		d.RetryAfter = ds.blockedUntil.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		d.ExpiresAt = ds.blockedUntil
	}
	return d
}
