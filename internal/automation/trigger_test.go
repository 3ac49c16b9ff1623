package automation

import (
	"testing"
	"time"

	"ruleflow/internal/models"
)

func TestMatchTrigger(t *testing.T) {
	threshold := 100.0
	tests := []struct {
		name string
		cfg  models.TriggerConfig
		data map[string]interface{}
		want bool
	}{
		{"no parameters", models.TriggerConfig{}, nil, true},
		{"any keyword", models.TriggerConfig{Keywords: []string{"refund", "price"}}, map[string]interface{}{"message": "What is the PRICE?"}, true},
		{"no keyword", models.TriggerConfig{Keywords: []string{"refund"}}, map[string]interface{}{"message": "hello"}, false},
		{"all keywords", models.TriggerConfig{Keywords: []string{"order", "late"}, MatchMode: models.MatchAll}, map[string]interface{}{"message": "my order is late"}, true},
		{"all keywords partial", models.TriggerConfig{Keywords: []string{"order", "refund"}, MatchMode: models.MatchAll}, map[string]interface{}{"message": "my order is late"}, false},
		{"exact", models.TriggerConfig{Keywords: []string{"STOP"}, MatchMode: models.MatchExact}, map[string]interface{}{"message": " stop "}, true},
		{"exact mismatch", models.TriggerConfig{Keywords: []string{"stop"}, MatchMode: models.MatchExact}, map[string]interface{}{"message": "stop it"}, false},
		{"custom field", models.TriggerConfig{Keywords: []string{"vip"}, KeywordField: "note.text"}, map[string]interface{}{"note": map[string]interface{}{"text": "VIP buyer"}}, true},
		{"missing field", models.TriggerConfig{Keywords: []string{"x"}}, map[string]interface{}{}, false},
		{"threshold met", models.TriggerConfig{Threshold: &threshold}, map[string]interface{}{"total": 100}, true},
		{"threshold missed", models.TriggerConfig{Threshold: &threshold}, map[string]interface{}{"total": 99.5}, false},
		{"threshold missing field", models.TriggerConfig{Threshold: &threshold}, map[string]interface{}{}, false},
		{"threshold custom field", models.TriggerConfig{Threshold: &threshold, ThresholdField: "order.amount"}, map[string]interface{}{"order": map[string]interface{}{"amount": "250"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchTrigger(tt.cfg, tt.data); got != tt.want {
				t.Fatalf("MatchTrigger() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitialDelay(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		policy  models.DelayPolicy
		want    time.Duration
		wantErr bool
	}{
		{name: "default immediate", policy: models.DelayPolicy{}, want: 0},
		{name: "immediate", policy: models.DelayPolicy{Type: models.DelayImmediate}, want: 0},
		{name: "fixed", policy: models.DelayPolicy{Type: models.DelayFixed, Seconds: 90}, want: 90 * time.Second},
		{name: "fixed negative", policy: models.DelayPolicy{Type: models.DelayFixed, Seconds: -1}, wantErr: true},
		{name: "scheduled later today", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "10:00"}, want: 30 * time.Minute},
		{name: "scheduled tomorrow", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "09:00"}, want: 23*time.Hour + 30*time.Minute},
		{name: "scheduled in timezone", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "11:00", Timezone: "Europe/Berlin"}, want: 30 * time.Minute},
		{name: "scheduled cron", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Cron: "0 12 * * *"}, want: 150 * time.Minute},
		{name: "bad clock", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "25:00"}, wantErr: true},
		{name: "bad timezone", policy: models.DelayPolicy{Type: models.DelayScheduledTime, Time: "10:00", Timezone: "Mars/Base"}, wantErr: true},
		{name: "unknown type", policy: models.DelayPolicy{Type: "eventually"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InitialDelay(tt.policy, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got delay %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitialDelay: %v", err)
			}
			if got != tt.want {
				t.Fatalf("delay = %s, want %s", got, tt.want)
			}
		})
	}
}
