package automation

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ruleflow/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automation_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scheduledJob struct {
	job   Job
	delay time.Duration
}

// fakeScheduler records jobs; tests pump them through runJob by hand.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	err  error
}

func (f *fakeScheduler) Enqueue(_ context.Context, job Job, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, scheduledJob{job: job, delay: delay})
	return nil
}

func (f *fakeScheduler) Start(context.Context, JobHandler) error { return nil }
func (f *fakeScheduler) Close() error                            { return nil }

func (f *fakeScheduler) pop() (scheduledJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return scheduledJob{}, false
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, true
}

func (f *fakeScheduler) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// stubEffectors answers every effect kind, recording calls.
type stubEffectors struct {
	mu     sync.Mutex
	calls  []models.Action
	result func(models.Action) Result
}

func (s *stubEffectors) Execute(_ context.Context, action models.Action, _ Request) Result {
	s.mu.Lock()
	s.calls = append(s.calls, action)
	s.mu.Unlock()
	if s.result != nil {
		return s.result(action)
	}
	return Succeeded(map[string]interface{}{"ok": true})
}

func (s *stubEffectors) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubEffectors) registry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(s, models.EffectKinds...); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

type harness struct {
	db         *gorm.DB
	store      *GormStore
	sched      *fakeScheduler
	effectors  *stubEffectors
	clock      *clock
	dispatcher *Dispatcher
	executor   *Executor
	logger     *logrus.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	h := &harness{
		db:        db,
		store:     NewGormStore(db),
		sched:     &fakeScheduler{},
		effectors: &stubEffectors{},
		clock:     newClock(),
		logger:    quietLogger(),
	}
	opts := Options{MaxAttempts: 3, Backoff: DefaultBackoff()}
	h.dispatcher = NewDispatcher(h.store, h.store, h.sched, DispatcherOptions(opts), h.logger)
	h.dispatcher.now = h.clock.Now
	h.executor = NewExecutor(h.store, h.effectors.registry(t), h.sched, ExecutorOptions(opts), h.logger)
	h.executor.now = h.clock.Now
	return h
}

// pump delivers queued jobs, advancing the clock to each job's due time,
// until the queue is empty or limit jobs ran.
func (h *harness) pump(t *testing.T, limit int) int {
	t.Helper()
	ran := 0
	for ran < limit {
		sj, ok := h.sched.pop()
		if !ok {
			break
		}
		h.clock.Advance(sj.delay)
		runJob(context.Background(), h.sched, h.executor, sj.job, h.logger)
		ran++
	}
	return ran
}

func (h *harness) createRule(t *testing.T, rule *models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if rule.TenantID == "" {
		rule.TenantID = "t1"
	}
	if rule.Status == "" {
		rule.Status = models.RuleStatusActive
	}
	if rule.Name == "" {
		rule.Name = "rule"
	}
	if err := h.store.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func (h *harness) execution(t *testing.T, id uint) *models.ExecutionRecord {
	t.Helper()
	rec, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution %d: %v", id, err)
	}
	return rec
}

func (h *harness) rule(t *testing.T, id uint) *models.AutomationRule {
	t.Helper()
	rule, err := h.store.GetRule(context.Background(), "t1", id)
	if err != nil {
		t.Fatalf("get rule %d: %v", id, err)
	}
	return rule
}

func tagAction(name string) models.Action {
	return models.Action{Type: models.ActionAddTag, Tag: &models.TagParams{Name: name}}
}

func messageAction(text string) models.Action {
	return models.Action{Type: models.ActionSendMessage, Message: &models.SendMessageParams{Channel: "email", Text: text}}
}

func waitAction(n int, unit string) models.Action {
	return models.Action{Type: models.ActionWait, Wait: &models.WaitParams{Duration: n, Unit: unit}}
}

func webhookAction(url string) models.Action {
	return models.Action{Type: models.ActionWebhook, Webhook: &models.WebhookParams{URL: url}}
}

func branchAction(conds []models.Condition, then, els []models.Action) models.Action {
	return models.Action{Type: models.ActionCondition, Condition: &models.BranchParams{
		Conditions: conds, Then: then, Else: els,
	}}
}
