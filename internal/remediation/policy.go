package remediation

import (
	"fmt"
	"strings"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
)

// Action is an automated corrective step.
type Action string

const (
	ActionRestrictAccount     Action = "restrictAccount"
	ActionRequireVerification Action = "requireAdditionalVerification"
	ActionSuspendBilling      Action = "suspendBilling"
	ActionSendNotification    Action = "sendNotification"
	ActionAttemptRecovery     Action = "attemptServiceRecovery"
	ActionNoop                Action = "noop"
)

// Actions lists every known action.
func Actions() []Action {
	return []Action{
		ActionRestrictAccount,
		ActionRequireVerification,
		ActionSuspendBilling,
		ActionSendNotification,
		ActionAttemptRecovery,
		ActionNoop,
	}
}

// ParseAction accepts the action name case-insensitively.
func ParseAction(v string) (Action, error) {
	v = strings.TrimSpace(v)
	for _, a := range Actions() {
		if strings.EqualFold(v, string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown remediation action %q", v)
}

// Rule maps an alert type at or above a severity to an action. An empty or
// "*" type matches any alert.
type Rule struct {
	Type        string            `mapstructure:"type" json:"type"`
	MinSeverity alerting.Severity `mapstructure:"min_severity" json:"min_severity"`
	Action      Action            `mapstructure:"action" json:"action"`
}

func (r Rule) matches(alert alerting.Alert) bool {
	if r.Type != "" && r.Type != "*" && r.Type != alert.Type {
		return false
	}
	if r.MinSeverity != "" && !alert.Severity.AtLeast(r.MinSeverity) {
		return false
	}
	return true
}

// Policy is an ordered rule table. The first matching rule wins.
type Policy struct {
	rules []Rule
}

// NewPolicy validates rules and normalises their action names.
func NewPolicy(rules []Rule) (*Policy, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		action, err := ParseAction(string(r.Action))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.Action = action
		if r.MinSeverity != "" {
			sev, err := alerting.ParseSeverity(string(r.MinSeverity))
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			r.MinSeverity = sev
		}
		out = append(out, r)
	}
	return &Policy{rules: out}, nil
}

// Decide picks the action for alert. It depends only on the alert type,
// severity and the rule table.
func (p *Policy) Decide(alert alerting.Alert) Action {
	if p == nil {
		return ActionNoop
	}
	for _, r := range p.rules {
		if r.matches(alert) {
			return r.Action
		}
	}
	return ActionNoop
}

// Rules returns a copy of the rule table.
func (p *Policy) Rules() []Rule {
	if p == nil {
		return nil
	}
	return append([]Rule(nil), p.rules...)
}

// DefaultRules is the rule table used when a monitor configures none.
func DefaultRules(kind model.Kind) []Rule {
	switch kind {
	case model.KindPayment:
		return []Rule{
			{Type: alerting.TypeRiskEscalation, MinSeverity: alerting.SeverityCritical, Action: ActionSuspendBilling},
			{Type: alerting.TypeRiskEscalation, MinSeverity: alerting.SeverityHigh, Action: ActionRestrictAccount},
			{Type: alerting.TypeRepeatedFailures, MinSeverity: alerting.SeverityHigh, Action: ActionRequireVerification},
		}
	case model.KindPerformance:
		return []Rule{
			{Type: alerting.TypeThresholdCritical, MinSeverity: alerting.SeverityCritical, Action: ActionAttemptRecovery},
			{Type: alerting.TypeRiskEscalation, MinSeverity: alerting.SeverityHigh, Action: ActionSendNotification},
		}
	case model.KindUsage:
		return []Rule{
			{Type: alerting.TypeThresholdCritical, MinSeverity: alerting.SeverityCritical, Action: ActionSendNotification},
			{Type: alerting.TypeRiskEscalation, MinSeverity: alerting.SeverityCritical, Action: ActionRestrictAccount},
		}
	case model.KindHealth:
		return []Rule{
			{Type: alerting.TypeThresholdCritical, MinSeverity: alerting.SeverityCritical, Action: ActionAttemptRecovery},
			{Type: alerting.TypeRiskEscalation, MinSeverity: alerting.SeverityHigh, Action: ActionAttemptRecovery},
			{Type: alerting.TypeStaleMetric, Action: ActionSendNotification},
		}
	}
	return nil
}
