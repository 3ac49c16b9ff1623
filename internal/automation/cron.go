package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ruleflow/internal/models"
)

// CronOptions configures periodic work.
type CronOptions struct {
	// RuleSync is how often schedule-triggered rules are reloaded.
	RuleSync string
	// Maintenance is the cron expression for stale recovery and dedup purging.
	Maintenance    string
	StaleAfter     time.Duration
	DedupRetention time.Duration
}

type cronEntry struct {
	id      cron.EntryID
	spec    string
	version int
}

// Cron fires schedule-triggered rules and runs maintenance sweeps. Specs use
// the standard five-field syntax; prefix with CRON_TZ=<zone> for a timezone.
type Cron struct {
	engine *Engine
	opts   CronOptions
	cron   *cron.Cron
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[uint]cronEntry
	ctx     context.Context
}

func NewCron(engine *Engine, opts CronOptions, logger *logrus.Logger) *Cron {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RuleSync == "" {
		opts.RuleSync = "@every 1m"
	}
	if opts.Maintenance == "" {
		opts.Maintenance = "@every 5m"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Cron{
		engine: engine,
		opts:   opts,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		logger:  logger,
		entries: make(map[uint]cronEntry),
		ctx:     context.Background(),
	}
}

// Start registers the sweeps, loads scheduled rules and starts the clock.
func (c *Cron) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if _, err := c.cron.AddFunc(c.opts.RuleSync, func() {
		if err := c.SyncRules(c.context()); err != nil {
			c.logger.WithError(err).Error("automation: schedule sync failed")
		}
	}); err != nil {
		return fmt.Errorf("rule sync spec: %w", err)
	}
	if _, err := c.cron.AddFunc(c.opts.Maintenance, func() {
		c.engine.RunMaintenance(c.context(), c.opts.StaleAfter, c.opts.DedupRetention)
	}); err != nil {
		return fmt.Errorf("maintenance spec: %w", err)
	}
	if err := c.SyncRules(ctx); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the clock and waits for running jobs.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
}

func (c *Cron) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// SyncRules aligns cron entries with the active schedule-triggered rules.
// Entries are replaced when a rule's cron expression or version changes.
func (c *Cron) SyncRules(ctx context.Context) error {
	rules, err := c.engine.Rules.FindScheduledRules(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled rules: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint]bool, len(rules))
	for i := range rules {
		rule := rules[i]
		spec := rule.TriggerConfig.Schedule
		if spec == "" {
			continue
		}
		seen[rule.ID] = true
		if cur, ok := c.entries[rule.ID]; ok {
			if cur.spec == spec && cur.version == rule.Version {
				continue
			}
			c.cron.Remove(cur.id)
			delete(c.entries, rule.ID)
		}
		id, err := c.cron.AddFunc(spec, func() { c.fire(rule, c.tickOf(rule.ID)) })
		if err != nil {
			c.logger.WithError(err).WithField("rule_id", rule.ID).Warn("automation: invalid rule schedule")
			continue
		}
		c.entries[rule.ID] = cronEntry{id: id, spec: spec, version: rule.Version}
	}
	for ruleID, entry := range c.entries {
		if !seen[ruleID] {
			c.cron.Remove(entry.id)
			delete(c.entries, ruleID)
		}
	}
	return nil
}

// Scheduled returns the ids of rules with a live cron entry.
func (c *Cron) Scheduled() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// tickOf returns the activation time of a rule's current entry.
func (c *Cron) tickOf(ruleID uint) time.Time {
	c.mu.Lock()
	cur, ok := c.entries[ruleID]
	c.mu.Unlock()
	if ok {
		if e := c.cron.Entry(cur.id); e.Valid() && !e.Prev.IsZero() {
			return e.Prev
		}
	}
	return time.Now().UTC().Truncate(time.Second)
}

// fire dispatches rule for one tick. Every worker runs the same cron table,
// so the tick is claimed through the dedup guard and only the winner
// dispatches.
func (c *Cron) fire(rule models.AutomationRule, tick time.Time) {
	ctx := c.context()
	tick = tick.UTC()
	claim := ExternalEvent{
		Provider: "cron",
		EventID:  fmt.Sprintf("%d@%s", rule.ID, tick.Format(time.RFC3339)),
		Topic:    models.TriggerSchedule,
		TenantID: rule.TenantID,
	}
	ev := Event{
		TenantID:    rule.TenantID,
		TriggerType: models.TriggerSchedule,
		Data: map[string]interface{}{
			"scheduled_at": tick.Format(time.RFC3339),
			"rule_id":      rule.ID,
		},
	}
	outcome, err := c.engine.Guard.Process(ctx, claim, func(ctx context.Context) error {
		_, err := c.engine.Dispatcher.DispatchRule(ctx, &rule, ev, false)
		return err
	})
	entry := c.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "tick": claim.EventID})
	switch {
	case err != nil:
		entry.WithError(err).Error("automation: scheduled dispatch failed")
	case outcome == OutcomeDuplicate:
		entry.Debug("automation: tick already claimed")
	}
}
