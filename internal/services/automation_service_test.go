package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func (e *engine) mustRule(t *testing.T, req *AutomationRuleRequest) *models.AutomationRule {
	t.Helper()
	rule, err := e.svc.CreateRule(context.Background(), req)
	require.NoError(t, err)
	return rule
}

func (e *engine) logs(t *testing.T) []models.AutomationLog {
	t.Helper()
	var logs []models.AutomationLog
	require.NoError(t, e.db.Order("id asc").Find(&logs).Error)
	return logs
}

func (e *engine) reload(t *testing.T, id uint) *models.AutomationRule {
	t.Helper()
	rule, err := e.svc.GetRule(context.Background(), id)
	require.NoError(t, err)
	return rule
}

func welcomeRule(active bool) *AutomationRuleRequest {
	return &AutomationRuleRequest{
		Name:    "welcome",
		Trigger: "client_created",
		Actions: []automation.Action{
			{Type: "create_task", Params: map[string]any{"title": "Welcome {{name}}"}},
		},
		Active: boolPtr(active),
	}
}

func TestClientCreatedCreatesWelcomeTask(t *testing.T) {
	e := newEngine(t)
	rule := e.mustRule(t, welcomeRule(true))

	res, err := e.svc.HandleEntityChange(context.Background(), &EntityChangeEvent{
		EntityType: "Client",
		EntityID:   "c1",
		NewData:    map[string]any{"name": "Acme", "stage": "new"},
		UserEmail:  "owner@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"client_created"}, res.Triggers)
	assert.Equal(t, 1, res.ExecutedWorkflows)

	var tasks []models.Task
	require.NoError(t, e.db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Welcome Acme", tasks[0].Title)
	assert.Equal(t, "c1", tasks[0].ClientID)

	logs := e.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.False(t, logs[0].IsDryRun)
	assert.Equal(t, "c1", logs[0].EntityID)

	reloaded := e.reload(t, rule.ID)
	assert.Equal(t, 1, reloaded.ExecutionCount)
	assert.NotNil(t, reloaded.LastExecution)

	var audits []models.AuditLog
	require.NoError(t, e.db.Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, "create", audits[0].Action)
	assert.Equal(t, "owner@example.com", audits[0].PerformedBy)
}

func TestInactiveRuleNeverRuns(t *testing.T) {
	e := newEngine(t)
	rule := e.mustRule(t, welcomeRule(false))

	res, err := e.svc.HandleEntityChange(context.Background(), &EntityChangeEvent{
		EntityType: "Client",
		EntityID:   "c1",
		NewData:    map[string]any{"name": "Acme", "stage": "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExecutedWorkflows)
	assert.Empty(t, e.logs(t))
	assert.Equal(t, 0, e.reload(t, rule.ID).ExecutionCount)
}

func TestUnchangedSnapshotSkipsAuditAndRules(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "any update",
		Trigger: "client_updated",
		Actions: []automation.Action{{Type: "add_note", Params: map[string]any{"note": "changed"}}},
	})
	snap := map[string]any{"name": "Acme", "updated_date": "2026-01-01"}
	next := map[string]any{"name": "Acme", "updated_date": "2026-02-01"}

	res, err := e.svc.HandleEntityChange(context.Background(), &EntityChangeEvent{
		EntityType: "Client", EntityID: "c1", OldData: snap, NewData: next,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Triggers)

	var n int64
	e.db.Model(&models.AuditLog{}).Count(&n)
	assert.Zero(t, n)
	assert.Empty(t, e.logs(t))
}

func TestFieldChangeTriggersCarryOldAndNewValues(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:       "won deals",
		Trigger:    "client_stage_changed",
		Conditions: map[string]any{"new_value": "won"},
		Actions: []automation.Action{
			{Type: "add_note", Params: map[string]any{"note": "Stage {{old_value}} -> {{new_value}} ({{field}})"}},
		},
	})

	res, err := e.svc.HandleEntityChange(context.Background(), &EntityChangeEvent{
		EntityType: "Client",
		EntityID:   "c1",
		OldData:    map[string]any{"name": "Acme", "stage": "new"},
		NewData:    map[string]any{"name": "Acme", "stage": "won"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"client_stage_changed", "client_updated"}, res.Triggers)
	require.Equal(t, 1, res.ExecutedWorkflows)

	var notes []models.CommunicationMessage
	require.NoError(t, e.db.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, "Stage new -> won (stage)", notes[0].Content)
	assert.Equal(t, "note", notes[0].Channel)
	assert.Equal(t, "c1", notes[0].ClientID)
}

func TestConditionMismatchSkipsRule(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:       "open only",
		Trigger:    "task_overdue",
		Conditions: map[string]any{"status": "open"},
		Actions:    []automation.Action{{Type: "send_notification", Params: map[string]any{"title": "t", "message": "m"}}},
	})

	summary, err := e.svc.ExecuteWorkflows(context.Background(), "task_overdue", map[string]any{"status": "closed"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ExecutedWorkflows)
	assert.Empty(t, e.logs(t))
}

func TestFailingActionDoesNotStopLaterActions(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "three steps",
		Trigger: "project_created",
		Actions: []automation.Action{
			{Type: "send_notification", Params: map[string]any{"title": "New project", "message": "{{name}}"}},
			{Type: "change_stage", Params: map[string]any{"new_stage": "active"}},
			{Type: "send_notification", Params: map[string]any{"title": "Done", "message": "ok"}},
		},
	})

	summary, err := e.svc.ExecuteWorkflows(context.Background(), "project_created",
		automation.NewEventContext(map[string]any{"name": "Site"}, "Project", "p1", "pm@example.com"), RunOptions{})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)

	details := summary.Results[0].Details
	require.Len(t, details, 3)
	assert.Equal(t, automation.ActionStatusSuccess, details[0].Status)
	assert.Equal(t, automation.ActionStatusError, details[1].Status)
	assert.Contains(t, details[1].Error, "requires entity type Client")
	assert.Equal(t, automation.ActionStatusSuccess, details[2].Status)
	assert.Equal(t, "partial", summary.Results[0].Status)

	logs := e.logs(t)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].ExecutionDetails, 3)
	assert.Equal(t, "partial", logs[0].Status)
}

func TestSkippedActionStatusPolicy(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "mail only",
		Trigger: "task_created",
		Actions: []automation.Action{{Type: "send_email", Params: map[string]any{"subject": "Hi"}}},
	})
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "mail and note",
		Trigger: "task_created",
		Actions: []automation.Action{
			{Type: "send_email", Params: map[string]any{"subject": "Hi"}},
			{Type: "add_note", Params: map[string]any{"note": "created"}},
		},
	})

	summary, err := e.svc.ExecuteWorkflows(context.Background(), "task_created",
		automation.NewEventContext(nil, "Task", "t1", ""), RunOptions{})
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)

	only := summary.Results[0]
	assert.Equal(t, automation.ActionStatusSkipped, only.Details[0].Status)
	assert.Equal(t, map[string]any{"skipped": true, "reason": "no recipient"}, only.Details[0].Result)
	assert.Equal(t, "success", only.Status, "a skipped action is not a failure")

	mixed := summary.Results[1]
	assert.Equal(t, "success", mixed.Status)
	assert.Zero(t, e.mailer.count())
}

func TestDryRunBySpecificRule(t *testing.T) {
	e := newEngine(t)
	target := e.mustRule(t, &AutomationRuleRequest{
		Name:    "target",
		Trigger: "client_created",
		Actions: []automation.Action{
			{Type: "create_task", Params: map[string]any{"title": "Call {{name}}"}},
			{Type: "send_email", Params: map[string]any{"subject": "Welcome", "body": "Hello {{name}}"}, DelayMinutes: 30},
		},
		Active: boolPtr(false),
	})
	other := e.mustRule(t, welcomeRule(true))

	summary, err := e.svc.DryRun(context.Background(), &DryRunRequest{
		RuleID:     target.ID,
		EntityType: "Client",
		EntityID:   "c1",
		Payload:    map[string]any{"name": "Acme", "email": "ceo@acme.test"},
	})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, "client_created", summary.Trigger)
	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, target.ID, res.RuleID)
	require.Len(t, res.Details, 2)
	assert.Equal(t, true, res.Details[0].Result["dry_run"])
	would := res.Details[1].Result["would"].(map[string]any)
	assert.Equal(t, "ceo@acme.test", would["to"])
	assert.Equal(t, "Hello Acme", would["body"])
	assert.Equal(t, 30, res.Details[1].DelayMinutes)

	// nothing was written or sent
	var tasks int64
	e.db.Model(&models.Task{}).Count(&tasks)
	assert.Zero(t, tasks)
	assert.Zero(t, e.mailer.count())
	assert.Equal(t, 0, e.reload(t, target.ID).ExecutionCount)
	assert.Equal(t, 0, e.reload(t, other.ID).ExecutionCount)

	logs := e.logs(t)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsDryRun)
	assert.Equal(t, target.ID, logs[0].RuleID)

	pending, err := e.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDryRunWithoutLogging(t *testing.T) {
	e := newEngine(t)
	e.svc.SetLogDryRuns(false)
	e.mustRule(t, welcomeRule(true))

	summary, err := e.svc.DryRun(context.Background(), &DryRunRequest{Trigger: "client_created", Payload: map[string]any{"name": "A"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExecutedWorkflows)
	assert.Empty(t, e.logs(t))
}

func TestDryRunRequiresTriggerOrRule(t *testing.T) {
	e := newEngine(t)
	_, err := e.svc.DryRun(context.Background(), &DryRunRequest{})
	var ve *automation.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = e.svc.DryRun(context.Background(), &DryRunRequest{RuleID: 999})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDelayedActionParksAndResumes(t *testing.T) {
	e := newEngine(t)
	rule := e.mustRule(t, &AutomationRuleRequest{
		Name:    "nurture",
		Trigger: "client_created",
		Actions: []automation.Action{
			{Type: "add_note", Params: map[string]any{"note": "first"}},
			{Type: "send_email", Params: map[string]any{"subject": "Day 1", "body": "Hi {{name}}"}, DelayMinutes: 10},
			{Type: "add_note", Params: map[string]any{"note": "after mail"}},
		},
	})
	ctx := context.Background()
	payload := automation.NewEventContext(map[string]any{"name": "Acme", "email": "a@acme.test"}, "Client", "c1", "")

	summary, err := e.svc.ExecuteWorkflows(ctx, "client_created", payload, RunOptions{})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	first := summary.Results[0]
	assert.True(t, first.Scheduled)
	assert.Equal(t, RuleStatusScheduled, first.Status)
	require.NotNil(t, first.ResumeAt)
	assert.Equal(t, e.clock.Add(10*time.Minute), *first.ResumeAt)
	assert.Len(t, first.Details, 1)
	assert.Empty(t, e.logs(t), "log is written once the pass completes")
	assert.Equal(t, 0, e.reload(t, rule.ID).ExecutionCount)

	// not yet due
	n, err := e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock = e.clock.Add(11 * time.Minute)
	n, err = e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, e.mailer.count())
	assert.Equal(t, "Hi Acme", e.mailer.sent[0].Body)

	logs := e.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	require.Len(t, logs[0].ExecutionDetails, 3)
	assert.Equal(t, 10, logs[0].ExecutionDetails[1].DelayMinutes)
	assert.Equal(t, summary.CorrelationID, logs[0].CorrelationID)
	assert.Equal(t, 1, e.reload(t, rule.ID).ExecutionCount)

	var notes []models.CommunicationMessage
	require.NoError(t, e.db.Order("created_date asc").Find(&notes).Error)
	assert.Len(t, notes, 2)

	// claimed continuations are gone
	n, err = e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func delayedNoteRule() *AutomationRuleRequest {
	return &AutomationRuleRequest{
		Name:    "delayed-note",
		Trigger: "client_created",
		Actions: []automation.Action{
			{Type: "add_note", Params: map[string]any{"note": "later"}, DelayMinutes: 10},
		},
	}
}

func TestClaimFailureStillResumesClaimedContinuations(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, delayedNoteRule())
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		_, err := e.svc.ExecuteWorkflows(ctx, "client_created", automation.NewEventContext(nil, "Client", id, ""), RunOptions{})
		require.NoError(t, err)
	}

	deletes := 0
	require.NoError(t, e.db.Callback().Delete().Before("gorm:delete").Register("crmflow_test:fail_second_claim", func(tx *gorm.DB) {
		if tx.Statement.Table != "automation_scheduled_actions" {
			return
		}
		deletes++
		if deletes == 2 {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))

	e.clock = e.clock.Add(11 * time.Minute)
	n, err := e.svc.ProcessDueActions(ctx, 10)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 1, n)
	assert.Len(t, e.logs(t), 1)

	pending, err := e.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// the unclaimed row is picked up on the next tick
	n, err = e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, e.logs(t), 2)

	pending, err = e.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFailedResumeRequeuesContinuation(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, delayedNoteRule())
	ctx := context.Background()
	_, err := e.svc.ExecuteWorkflows(ctx, "client_created", automation.NewEventContext(nil, "Client", "c1", ""), RunOptions{})
	require.NoError(t, err)

	failRuleLoad := true
	require.NoError(t, e.db.Callback().Query().Before("gorm:query").Register("crmflow_test:fail_rule_load", func(tx *gorm.DB) {
		if failRuleLoad && tx.Statement.Table == "automation_rules" {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))

	e.clock = e.clock.Add(11 * time.Minute)
	n, err := e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.logs(t))

	pending, err := e.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "continuation is back on the queue")

	failRuleLoad = false
	n, err = e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	logs := e.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
}

func TestDelayWithoutQueueWaitsInline(t *testing.T) {
	e := newEngine(t)
	e.svc.SetDelayQueue(nil)
	var slept time.Duration
	e.svc.sleep = func(_ context.Context, d time.Duration) error { slept += d; return nil }
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "inline",
		Trigger: "client_created",
		Actions: []automation.Action{{Type: "add_note", Params: map[string]any{"note": "x"}, DelayMinutes: 2}},
	})

	summary, err := e.svc.ExecuteWorkflows(context.Background(), "client_created",
		automation.NewEventContext(nil, "Client", "c1", ""), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, slept)
	assert.Equal(t, "success", summary.Results[0].Status)
}

func TestResumeAfterDeactivationSkipsRemainingActions(t *testing.T) {
	e := newEngine(t)
	rule := e.mustRule(t, &AutomationRuleRequest{
		Name:    "paused",
		Trigger: "client_created",
		Actions: []automation.Action{
			{Type: "add_note", Params: map[string]any{"note": "now"}},
			{Type: "add_note", Params: map[string]any{"note": "later"}, DelayMinutes: 5},
		},
	})
	ctx := context.Background()
	_, err := e.svc.ExecuteWorkflows(ctx, "client_created", automation.NewEventContext(nil, "Client", "c1", ""), RunOptions{})
	require.NoError(t, err)

	_, err = e.svc.SetRuleActive(ctx, rule.ID, false)
	require.NoError(t, err)
	e.clock = e.clock.Add(time.Hour)
	_, err = e.svc.ProcessDueActions(ctx, 10)
	require.NoError(t, err)

	logs := e.logs(t)
	require.Len(t, logs, 1)
	require.Len(t, logs[0].ExecutionDetails, 2)
	assert.Equal(t, automation.ActionStatusSkipped, logs[0].ExecutionDetails[1].Status)

	var notes int64
	e.db.Model(&models.CommunicationMessage{}).Count(&notes)
	assert.Equal(t, int64(1), notes)
}

func TestRuleStoreFailureIsFatal(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.db.Migrator().DropTable(&models.AutomationRule{}))

	summary, err := e.svc.ExecuteWorkflows(context.Background(), "client_created", map[string]any{}, RunOptions{})
	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestEntityChangeStoreFailureReturnsNoPartialResults(t *testing.T) {
	e := newEngine(t)
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "rename-note",
		Trigger: "client_name_changed",
		Actions: []automation.Action{{Type: "add_note", Params: map[string]any{"note": "renamed"}}},
	})

	// first rule load (client_name_changed) succeeds, the second fails
	loads := 0
	require.NoError(t, e.db.Callback().Query().Before("gorm:query").Register("crmflow_test:fail_second_load", func(tx *gorm.DB) {
		if tx.Statement.Table != "automation_rules" {
			return
		}
		loads++
		if loads == 2 {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))

	res, err := e.svc.HandleEntityChange(context.Background(), &EntityChangeEvent{
		EntityType: "Client",
		EntityID:   "c1",
		OldData:    map[string]any{"name": "Acme", "stage": "new"},
		NewData:    map[string]any{"name": "Acme Corp", "stage": "won"},
	})
	assert.ErrorContains(t, err, "connection reset")
	assert.Nil(t, res)
}

func TestTriggerRuleLoadsEntity(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	client, err := e.store.Create(ctx, "Client", Record{"name": "Acme", "email": "ceo@acme.test", "stage": "lead"})
	require.NoError(t, err)
	e.mustRule(t, &AutomationRuleRequest{
		Name:       "promote",
		Trigger:    "client_promoted",
		Conditions: map[string]any{"stage": "lead"},
		Actions: []automation.Action{
			{Type: "change_stage", Params: map[string]any{"new_stage": "{{new_value}}"}},
			{Type: "send_email", Params: map[string]any{"subject": "Welcome {{name}}", "body": "Now {{new_value}}"}},
		},
	})

	summary, err := e.svc.TriggerRule(ctx, &TriggerRequest{
		TriggerType: "client_promoted",
		EntityType:  "Client",
		EntityID:    client["id"].(string),
		OldValue:    "lead",
		NewValue:    "active",
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.ExecutedWorkflows)
	assert.Equal(t, "success", summary.Results[0].Status)

	updated, err := e.store.Get(ctx, "Client", client["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "active", updated["stage"])
	require.Equal(t, 1, e.mailer.count())
	assert.Equal(t, "ceo@acme.test", e.mailer.sent[0].To)

	_, err = e.svc.TriggerRule(ctx, &TriggerRequest{TriggerType: "client_promoted", EntityType: "Client", EntityID: "missing"})
	var le *automation.LookupError
	assert.True(t, errors.As(err, &le))
}

func TestPurgeLogs(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, e.db.Create(&models.AutomationLog{
			RuleID:      1,
			Status:      "success",
			TriggeredAt: e.clock.Add(-time.Duration(i) * 24 * time.Hour),
		}).Error)
	}

	deleted, err := e.svc.PurgeLogs(ctx, e.clock.Add(-36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Len(t, e.logs(t), 2)
}
