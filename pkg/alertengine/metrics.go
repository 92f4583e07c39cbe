package alertengine

import (
	"github.com/wisbric/preflightwatch/internal/db"
)

// ruleObservation accumulates per-rule_id fail counts across a
// window's semantic artifacts, for the two rule-based metric types.
type ruleObservation struct {
	failCount int
}

// computeMetric implements §4.5 step 2's metric table over a window of
// records, loading semantic artifacts through semanticRules only when a
// rule-based metric_type requires it.
func computeMetric(metricType string, records []db.PreflightRun, ruleID *string, semanticRules func(db.PreflightRun) []semanticRuleResult) (value float64, err error) {
	total := len(records)

	switch metricType {
	case "fail_rate":
		if total == 0 {
			return 0, nil
		}
		return float64(countFinalStatus(records, "FAIL")) / float64(total), nil

	case "blocked_count":
		return float64(countBlocked(records)), nil

	case "fail_count":
		return float64(countFinalStatus(records, "FAIL")), nil

	case "unified_usage_rate":
		if total == 0 {
			return 0, nil
		}
		return float64(countUnified(records)) / float64(total), nil

	case "top_rule_fail_count", "semantic_rule_fail_count":
		observations := map[string]*ruleObservation{}
		for _, rec := range records {
			for _, rule := range semanticRules(rec) {
				if rule.Status != "FAIL" {
					continue
				}
				obs, ok := observations[rule.RuleID]
				if !ok {
					obs = &ruleObservation{}
					observations[rule.RuleID] = obs
				}
				obs.failCount++
			}
		}

		if metricType == "top_rule_fail_count" {
			var max int
			for _, obs := range observations {
				if obs.failCount > max {
					max = obs.failCount
				}
			}
			return float64(max), nil
		}

		if ruleID == nil {
			return 0, nil
		}
		if obs, ok := observations[*ruleID]; ok {
			return float64(obs.failCount), nil
		}
		return 0, nil

	default:
		return 0, nil
	}
}

// semanticRuleResult is one rule observation pulled out of a semantic
// artifact's "rules" array.
type semanticRuleResult struct {
	RuleID string
	Status string
}

func countFinalStatus(records []db.PreflightRun, status string) int {
	n := 0
	for _, r := range records {
		if r.FinalStatus == status {
			n++
		}
	}
	return n
}

func countBlocked(records []db.PreflightRun) int {
	n := 0
	for _, r := range records {
		if r.Blocked {
			n++
		}
	}
	return n
}

func countUnified(records []db.PreflightRun) int {
	n := 0
	for _, r := range records {
		if r.UsedUnified {
			n++
		}
	}
	return n
}

// evaluateOperator applies the comparison operator from §3's AlertPolicy
// domain.
func evaluateOperator(operator string, value, threshold float64) bool {
	switch operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		return false
	}
}
