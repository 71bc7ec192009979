package services

import (
	"context"
	"testing"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskOverdueMonitorFlagsOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.mustRule(t, &AutomationRuleRequest{
		Name:    "overdue reminder",
		Trigger: TriggerTaskOverdue,
		Actions: []automation.Action{
			{Type: "send_notification", Params: map[string]any{"title": "Overdue", "message": "{{title}} is late", "recipient": "{{assigned_to}}"}},
		},
	})

	past := e.clock.Add(-48 * time.Hour)
	future := e.clock.Add(48 * time.Hour)
	tasks := []models.Task{
		{Title: "late", Status: "todo", AssignedTo: "dev@example.com", DueDate: &past},
		{Title: "finished", Status: "done", DueDate: &past},
		{Title: "later", Status: "todo", DueDate: &future},
		{Title: "undated", Status: "todo"},
	}
	for i := range tasks {
		require.NoError(t, e.db.Create(&tasks[i]).Error)
	}

	monitor := NewTaskOverdueMonitor(e.db, e.svc, quietLogger())
	monitor.now = func() time.Time { return e.clock }

	n, err := monitor.CheckOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var notes []models.Notification
	require.NoError(t, e.db.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, "late is late", notes[0].Message)
	assert.Equal(t, "dev@example.com", notes[0].Recipient)

	var late models.Task
	require.NoError(t, e.db.First(&late, "id = ?", tasks[0].ID).Error)
	assert.True(t, late.OverdueNotified)

	n, err = monitor.CheckOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	var count int64
	e.db.Model(&models.Notification{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestTaskOverdueMonitorStopsOnContextCancel(t *testing.T) {
	e := newEngine(t)
	monitor := NewTaskOverdueMonitor(e.db, e.svc, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
