package cluster

import (
	"fmt"
	"time"

	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/types"
)

// Sample is one health cycle's aggregate measurements
type Sample struct {
	Now           time.Time
	ResponseTimes []float64 // ms per ping
	ErrorCount    int       // failed pings this cycle
	Connections   int       // open pool connections
}

// metric extracts the named measurement from a sample
func (s Sample) metric(name string) (float64, bool) {
	switch name {
	case "response_time":
		if len(s.ResponseTimes) == 0 {
			return 0, false
		}
		max := s.ResponseTimes[0]
		for _, v := range s.ResponseTimes[1:] {
			if v > max {
				max = v
			}
		}
		return max, true
	case "error_count":
		return float64(s.ErrorCount), true
	case "connection_count":
		return float64(s.Connections), true
	}
	return 0, false
}

// AlertRule fires when a metric crosses a threshold and stays there for
// the hold-down duration
type AlertRule struct {
	Name      string
	Metric    string
	Operator  string // ">" or "<"
	Threshold float64
	HoldDown  time.Duration
	Severity  types.AlertSeverity
}

func (r AlertRule) breached(v float64) bool {
	switch r.Operator {
	case ">":
		return v > r.Threshold
	case "<":
		return v < r.Threshold
	}
	return false
}

// DefaultAlertRules mirror the built-in monitoring rules: slow pings,
// connection exhaustion and repeated errors
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{Name: "high_response_time", Metric: "response_time", Operator: ">", Threshold: 1000, HoldDown: 60 * time.Second, Severity: types.SeverityWarning},
		{Name: "connection_exhaustion", Metric: "connection_count", Operator: ">", Threshold: 80, HoldDown: 30 * time.Second, Severity: types.SeverityCritical},
		{Name: "repeated_errors", Metric: "error_count", Operator: ">", Threshold: 0, HoldDown: 90 * time.Second, Severity: types.SeverityCritical},
	}
}

// ruleState tracks one rule between evaluations
type ruleState struct {
	breachedSince time.Time
	firing        bool
}

// AlertEvaluator evaluates rules against each cycle's sample, publishing
// firing and clearing events with hold-down semantics
type AlertEvaluator struct {
	rules  []AlertRule
	states map[string]*ruleState
	broker *events.Broker

	// OnAlert receives every firing and clearing transition
	OnAlert func(types.Alert)
}

// NewAlertEvaluator creates an evaluator over the given rules
func NewAlertEvaluator(rules []AlertRule, broker *events.Broker) *AlertEvaluator {
	e := &AlertEvaluator{
		rules:  rules,
		states: make(map[string]*ruleState),
		broker: broker,
	}
	for _, r := range rules {
		e.states[r.Name] = &ruleState{}
	}
	return e
}

// AddRule registers an extra rule
func (e *AlertEvaluator) AddRule(r AlertRule) {
	e.rules = append(e.rules, r)
	e.states[r.Name] = &ruleState{}
}

// Evaluate processes one sample
func (e *AlertEvaluator) Evaluate(sample Sample) {
	now := sample.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, rule := range e.rules {
		st := e.states[rule.Name]
		value, ok := sample.metric(rule.Metric)
		if !ok {
			continue
		}

		if !rule.breached(value) {
			st.breachedSince = time.Time{}
			if st.firing {
				st.firing = false
				e.emit(rule, value, false, now)
			}
			continue
		}

		if st.breachedSince.IsZero() {
			st.breachedSince = now
		}
		if !st.firing && now.Sub(st.breachedSince) >= rule.HoldDown {
			st.firing = true
			e.emit(rule, value, true, now)
		}
	}
}

// Firing lists the currently firing rule names
func (e *AlertEvaluator) Firing() []string {
	var out []string
	for _, r := range e.rules {
		if e.states[r.Name].firing {
			out = append(out, r.Name)
		}
	}
	return out
}

func (e *AlertEvaluator) emit(rule AlertRule, value float64, firing bool, now time.Time) {
	alert := types.Alert{
		Rule:      rule.Name,
		Severity:  rule.Severity,
		Value:     value,
		Firing:    firing,
		Timestamp: now,
		Message:   fmt.Sprintf("%s %s %.1f (value %.1f)", rule.Metric, rule.Operator, rule.Threshold, value),
	}

	evType := events.EventAlertFiring
	if !firing {
		evType = events.EventAlertResolved
	}
	e.broker.Publish(&events.Event{
		Type:    evType,
		Message: alert.Message,
		Metadata: map[string]string{
			"rule":     rule.Name,
			"severity": string(rule.Severity),
		},
	})
	if e.OnAlert != nil {
		e.OnAlert(alert)
	}
}
