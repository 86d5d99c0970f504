package driftguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *DecisionPolicy {
	return &DecisionPolicy{
		FlagThreshold:    3.0,
		EscalationCycles: 3,
		CooldownCycles:   3,
		BanDuration:      15 * time.Minute,
		ThrottleRPS:      5,
		ThrottleBurst:    10,
	}
}

func TestDecisionEscalationLadder(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState

	require.Equal(t, StateNormal, ds.state)

	// Elevated but not anomalous: one step to Suspect, no further.
	ds.Step(2.0, false, now, p)
	assert.Equal(t, StateSuspect, ds.state)
	ds.Step(2.0, false, now, p)
	assert.Equal(t, StateSuspect, ds.state)

	// Fully anomalous: Suspect -> Throttled.
	ds.Step(4.0, false, now, p)
	assert.Equal(t, StateThrottled, ds.state)

	// Anomaly persists: Blocked after EscalationCycles.
	ds.Step(4.0, false, now, p)
	ds.Step(4.0, false, now, p)
	assert.Equal(t, StateThrottled, ds.state)
	ds.Step(4.0, false, now, p)
	assert.Equal(t, StateBlocked, ds.state)
	assert.Equal(t, now.Add(p.BanDuration), ds.blockedUntil)
}

func TestDecisionOneTransitionPerCycle(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState

	// A massive spike still walks the ladder one state per cycle.
	ds.Step(100, false, now, p)
	assert.Equal(t, StateSuspect, ds.state)
	ds.Step(100, false, now, p)
	assert.Equal(t, StateThrottled, ds.state)
}

func TestDecisionCooldownStepsDownOneState(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState

	ds.Step(4.0, false, now, p)
	ds.Step(4.0, false, now, p)
	require.Equal(t, StateThrottled, ds.state)

	// Quiet cycles accumulate; one state down per CooldownCycles.
	for i := 0; i < p.CooldownCycles; i++ {
		ds.Step(0, false, now, p)
	}
	assert.Equal(t, StateSuspect, ds.state)
	for i := 0; i < p.CooldownCycles; i++ {
		ds.Step(0, false, now, p)
	}
	assert.Equal(t, StateNormal, ds.state)
}

func TestDecisionAnomalyResetsQuietCounter(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState

	ds.Step(4.0, false, now, p)
	ds.Step(4.0, false, now, p)
	require.Equal(t, StateThrottled, ds.state)

	ds.Step(0, false, now, p)
	ds.Step(0, false, now, p)
	ds.Step(4.0, false, now, p) // anomaly interrupts the cooldown
	ds.Step(0, false, now, p)
	ds.Step(0, false, now, p)
	assert.Equal(t, StateThrottled, ds.state)
}

func TestDecisionCampaignMembershipEscalates(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState

	// Individually unremarkable score, but a confirmed campaign member.
	ds.Step(1.0, true, now, p)
	assert.Equal(t, StateSuspect, ds.state)
	ds.Step(1.0, true, now, p)
	assert.Equal(t, StateThrottled, ds.state)
}

func TestDecisionBlockedExpiresToSuspect(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	ds := decisionState{state: StateBlocked, blockedUntil: now.Add(time.Minute)}

	// Still banned: no transition regardless of score.
	ds.Step(0, false, now, p)
	assert.Equal(t, StateBlocked, ds.state)

	// Ban expired: down to Suspect, never straight to Normal.
	after := now.Add(2 * time.Minute)
	ds.Step(0, false, after, p)
	assert.Equal(t, StateSuspect, ds.state)
}

func TestDecisionActions(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	ttl := 10 * time.Second

	tests := []struct {
		name   string
		ds     decisionState
		action Action
	}{
		{"normal allows", decisionState{state: StateNormal}, ActionAllow},
		{"suspect challenges", decisionState{state: StateSuspect}, ActionChallenge},
		{"blocked blocks", decisionState{state: StateBlocked, blockedUntil: now.Add(time.Minute)}, ActionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.ds.Decide("client-1", now, p, ttl)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, "client-1", d.Identity)
		})
	}
}

func TestDecisionBlockedRetryAfter(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	ds := decisionState{state: StateBlocked, blockedUntil: now.Add(5 * time.Minute)}

	d := ds.Decide("client-1", now, p, 10*time.Second)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)
	assert.Equal(t, ds.blockedUntil, d.ExpiresAt)
}

func TestDecisionThrottlePacesTraffic(t *testing.T) {
	p := testPolicy()
	now := time.Now()
	var ds decisionState
	ds.Step(4.0, false, now, p)
	ds.Step(4.0, false, now, p)
	require.Equal(t, StateThrottled, ds.state)
	require.NotNil(t, ds.limiter)

	allowed, throttled := 0, 0
	for i := 0; i < 100; i++ {
		d := ds.Decide("client-1", now, p, 10*time.Second)
		switch d.Action {
		case ActionAllow:
			allowed++
		case ActionThrottle:
			throttled++
			assert.Greater(t, d.RetryAfter, time.Duration(0))
		}
	}
	// Burst capacity passes, the rest is paced.
	assert.Greater(t, allowed, 0)
	assert.Greater(t, throttled, 50)
}
