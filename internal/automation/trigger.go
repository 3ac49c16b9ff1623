package automation

import (
	"strings"

	"ruleflow/internal/models"
)

const (
	defaultKeywordField   = "message"
	defaultThresholdField = "total"
)

// MatchTrigger applies a rule's trigger parameters (keywords, threshold) to
// the event data. Rules without parameters always match.
func MatchTrigger(cfg models.TriggerConfig, data map[string]interface{}) bool {
	if len(cfg.Keywords) > 0 && !matchKeywords(cfg, data) {
		return false
	}
	if cfg.Threshold != nil {
		field := cfg.ThresholdField
		if field == "" {
			field = defaultThresholdField
		}
		val, found := lookupPath(data, field)
		if !(toNumber(val, found) >= *cfg.Threshold) {
			return false
		}
	}
	return true
}

func matchKeywords(cfg models.TriggerConfig, data map[string]interface{}) bool {
	field := cfg.KeywordField
	if field == "" {
		field = defaultKeywordField
	}
	val, found := lookupPath(data, field)
	if !found || val == nil {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(stringify(val)))

	switch cfg.MatchMode {
	case models.MatchAll:
		for _, kw := range cfg.Keywords {
			if !strings.Contains(text, strings.ToLower(strings.TrimSpace(kw))) {
				return false
			}
		}
		return true
	case models.MatchExact:
		for _, kw := range cfg.Keywords {
			if text == strings.ToLower(strings.TrimSpace(kw)) {
				return true
			}
		}
		return false
	default:
		for _, kw := range cfg.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}
}
