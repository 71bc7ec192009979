package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"
	"crmflow/pkg/messaging"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type actionHandler func(ctx context.Context, params map[string]any, evt map[string]any, dryRun bool) (map[string]any, error)

// ActionDispatcher executes one declarative action against its side-effect
// channel. In dry-run mode handlers only read and return a preview.
type ActionDispatcher struct {
	store     EntityStore
	templates TemplateStore
	mailer    messaging.MailSender
	chat      messaging.ChatSender
	batch     BatchOptions
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
	handlers  map[automation.ActionKind]actionHandler
}

// NewActionDispatcher 创建动作分发器
func NewActionDispatcher(store EntityStore, templates TemplateStore, mailer messaging.MailSender, chat messaging.ChatSender, logger *logrus.Logger) *ActionDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if mailer == nil {
		mailer = messaging.LogMailer{Logger: logger}
	}
	if chat == nil {
		chat = messaging.LogChat{Logger: logger}
	}
	d := &ActionDispatcher{
		store:     store,
		templates: templates,
		mailer:    mailer,
		chat:      chat,
		batch:     DefaultBatchOptions(),
		logger:    logger,
		tracer:    otel.Tracer("crmflow.dispatcher"),
		now:       time.Now,
	}
	d.handlers = map[automation.ActionKind]actionHandler{
		automation.ActionCreateTask:        d.createTask,
		automation.ActionSendEmail:         d.sendEmail,
		automation.ActionSendWhatsApp:      d.sendWhatsApp,
		automation.ActionSendNotification:  d.sendNotification,
		automation.ActionUpdateTasksStatus: d.updateTasksStatus,
		automation.ActionScheduleMeeting:   d.scheduleMeeting,
		automation.ActionChangeStage:       d.changeStage,
		automation.ActionAddNote:           d.addNote,
	}
	return d
}

// SetBatchOptions 设置批量更新参数
func (d *ActionDispatcher) SetBatchOptions(opts BatchOptions) { d.batch = opts }

// Execute renders the action params from the event context and runs the
// handler for its kind.
func (d *ActionDispatcher) Execute(ctx context.Context, action automation.Action, evt map[string]any, dryRun bool) (map[string]any, error) {
	ctx, span := d.tracer.Start(ctx, "automation.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.action", action.Type),
		attribute.Bool("automation.dry_run", dryRun),
	)

	kind, err := automation.ParseActionKind(action.Type)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	handler, ok := d.handlers[kind]
	if !ok {
		return nil, &automation.UnknownActionTypeError{Type: action.Type}
	}

	params := automation.RenderParams(action.Params, evt)
	if action.TemplateID != 0 {
		d.applyTemplate(ctx, action.TemplateID, params, evt)
	}

	result, err := handler(ctx, params, evt, dryRun)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// applyTemplate overrides subject/content with a stored template. Lookup
// failures degrade to the inline params.
func (d *ActionDispatcher) applyTemplate(ctx context.Context, id uint, params map[string]any, evt map[string]any) {
	if d.templates == nil {
		return
	}
	tpl, err := d.templates.Get(ctx, id)
	if err != nil {
		d.logger.Warnf("automation: template %d unavailable, using inline params: %v", id, err)
		return
	}
	if tpl.Subject != "" {
		params["subject"] = automation.RenderString(tpl.Subject, evt)
	}
	content := automation.RenderString(tpl.Content, evt)
	params["body"] = content
	params["message"] = content
}

func preview(kind automation.ActionKind, would map[string]any) map[string]any {
	return map[string]any{"dry_run": true, "action": string(kind), "would": would}
}

func (d *ActionDispatcher) createTask(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	title := paramString(params, "title")
	if title == "" {
		return nil, &automation.ValidationError{Field: "title", Message: "required by create_task"}
	}
	clientID, projectID, err := d.resolveLinks(ctx, params, evt)
	if err != nil {
		return nil, err
	}
	task := Record{
		"title":       title,
		"description": paramString(params, "description"),
		"priority":    firstNonEmpty(paramString(params, "priority"), "medium"),
		"status":      firstNonEmpty(paramString(params, "status"), "todo"),
		"client_id":   clientID,
		"project_id":  projectID,
		"assigned_to": paramString(params, "assigned_to"),
	}
	if days, ok := paramInt(params, "due_days_from_now"); ok {
		task["due_date"] = d.now().AddDate(0, 0, days).UTC().Format(time.RFC3339)
	}
	if dryRun {
		return preview(automation.ActionCreateTask, task), nil
	}
	created, err := d.store.Create(ctx, models.EntityTask, task)
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionCreateTask, Err: err}
	}
	return created, nil
}

func (d *ActionDispatcher) sendEmail(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	to := paramString(params, "to")
	if to == "" && automation.ContextString(evt, automation.KeyEntityType) == models.EntityClient {
		to = automation.ContextString(evt, "email")
	}
	if to == "" {
		return automation.Skipped("no recipient"), nil
	}
	subject := paramString(params, "subject")
	body := paramString(params, "body")
	if subject == "" && body == "" {
		return automation.Skipped("no content"), nil
	}
	out := map[string]any{"to": to, "subject": subject}
	if dryRun {
		out["body"] = body
		return preview(automation.ActionSendEmail, out), nil
	}
	if err := d.mailer.Send(ctx, to, subject, body); err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionSendEmail, Err: err}
	}
	out["sent"] = true
	return out, nil
}

func (d *ActionDispatcher) sendWhatsApp(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	phone := firstNonEmpty(paramString(params, "phone"), paramString(params, "to"))
	if phone == "" && automation.ContextString(evt, automation.KeyEntityType) == models.EntityClient {
		phone = automation.ContextString(evt, "phone")
	}
	if phone == "" {
		return automation.Skipped("no phone"), nil
	}
	message := firstNonEmpty(paramString(params, "message"), paramString(params, "body"))
	if message == "" {
		return automation.Skipped("no message"), nil
	}
	out := map[string]any{"phone": phone}
	if dryRun {
		out["message"] = message
		return preview(automation.ActionSendWhatsApp, out), nil
	}
	if err := d.chat.Send(ctx, phone, message); err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionSendWhatsApp, Err: err}
	}
	out["sent"] = true
	return out, nil
}

func (d *ActionDispatcher) sendNotification(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	recipient := firstNonEmpty(
		paramString(params, "recipient"),
		automation.ContextString(evt, automation.KeyUserEmail),
		automation.ContextString(evt, "owner_email"),
	)
	n := Record{
		"title":     paramString(params, "title"),
		"message":   paramString(params, "message"),
		"recipient": recipient,
		"type":      firstNonEmpty(paramString(params, "type"), "automation"),
	}
	if dryRun {
		return preview(automation.ActionSendNotification, n), nil
	}
	created, err := d.store.Create(ctx, models.EntityNotification, n)
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionSendNotification, Err: err}
	}
	return created, nil
}

func (d *ActionDispatcher) updateTasksStatus(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	toStatus := paramString(params, "to_status")
	if toStatus == "" {
		return nil, &automation.ValidationError{Field: "to_status", Message: "required by update_tasks_status"}
	}

	where := map[string]any{}
	if from := paramString(params, "from_status"); from != "" {
		where["status"] = from
	}
	projectName := paramString(params, "project_name")
	clientName := paramString(params, "client_name")
	if projectName != "" {
		ids, err := d.idsByName(ctx, models.EntityProject, projectName)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return map[string]any{"updated": 0, "to_status": toStatus}, nil
		}
		where["project_id"] = ids
	}
	if clientName != "" {
		ids, err := d.idsByName(ctx, models.EntityClient, clientName)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return map[string]any{"updated": 0, "to_status": toStatus}, nil
		}
		where["client_id"] = ids
	}
	if projectName == "" && clientName == "" {
		// no explicit scope: the triggering client/project
		switch automation.ContextString(evt, automation.KeyEntityType) {
		case models.EntityProject:
			where["project_id"] = automation.ContextString(evt, automation.KeyEntityID)
		case models.EntityClient:
			where["client_id"] = automation.ContextString(evt, automation.KeyEntityID)
		}
	}

	tasks, err := d.store.Filter(ctx, models.EntityTask, where)
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionUpdateTasksStatus, Err: err}
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if id, _ := t["id"].(string); id != "" {
			ids = append(ids, id)
		}
	}
	if dryRun {
		return preview(automation.ActionUpdateTasksStatus, map[string]any{"matched": len(ids), "to_status": toStatus}), nil
	}

	var updated int64
	err = ProcessInChunks(ctx, ids, d.batch, func(ctx context.Context, chunk []string) error {
		n, err := d.store.UpdateWhere(ctx, models.EntityTask, map[string]any{"id": chunk}, Record{"status": toStatus})
		if err != nil {
			return err
		}
		updated += n
		return nil
	})
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionUpdateTasksStatus, Err: err}
	}
	return map[string]any{"updated": updated, "to_status": toStatus}, nil
}

func (d *ActionDispatcher) scheduleMeeting(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	title := paramString(params, "title")
	if title == "" {
		return nil, &automation.ValidationError{Field: "title", Message: "required by schedule_meeting"}
	}
	days, ok := paramInt(params, "days_from_now")
	if !ok {
		days = 1
	}
	hour, ok := paramInt(params, "hour")
	if !ok {
		hour = 10
	}
	minute, _ := paramInt(params, "minute")

	clientID, projectID, err := d.resolveLinks(ctx, params, evt)
	if err != nil {
		return nil, err
	}
	day := d.now().AddDate(0, 0, days)
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
	meeting := Record{
		"title":        title,
		"meeting_type": firstNonEmpty(paramString(params, "meeting_type"), "follow_up"),
		"scheduled_at": at.Format(time.RFC3339),
		"client_id":    clientID,
		"project_id":   projectID,
	}
	if dryRun {
		return preview(automation.ActionScheduleMeeting, meeting), nil
	}
	created, err := d.store.Create(ctx, models.EntityMeeting, meeting)
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionScheduleMeeting, Err: err}
	}
	return created, nil
}

func (d *ActionDispatcher) changeStage(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	entityType := automation.ContextString(evt, automation.KeyEntityType)
	if entityType != models.EntityClient {
		return nil, &automation.InvalidEntityTypeError{Action: automation.ActionChangeStage, Expected: models.EntityClient, Actual: entityType}
	}
	stage := paramString(params, "new_stage")
	if stage == "" {
		return nil, &automation.ValidationError{Field: "new_stage", Message: "required by change_stage"}
	}
	id := automation.ContextString(evt, automation.KeyEntityID)
	if dryRun {
		return preview(automation.ActionChangeStage, map[string]any{"entity_id": id, "stage": stage}), nil
	}
	updated, err := d.store.Update(ctx, models.EntityClient, id, Record{"stage": stage})
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, &automation.LookupError{Kind: models.EntityClient, ID: id, Err: err}
		}
		return nil, &automation.DispatchError{Action: automation.ActionChangeStage, Err: err}
	}
	return updated, nil
}

func (d *ActionDispatcher) addNote(ctx context.Context, params, evt map[string]any, dryRun bool) (map[string]any, error) {
	note := paramString(params, "note")
	if note == "" {
		return nil, &automation.ValidationError{Field: "note", Message: "required by add_note"}
	}
	clientID, projectID, err := d.resolveLinks(ctx, params, evt)
	if err != nil {
		return nil, err
	}
	msg := Record{
		"client_id":  clientID,
		"project_id": projectID,
		"channel":    "note",
		"content":    note,
		"author":     firstNonEmpty(automation.ContextString(evt, automation.KeyUserEmail), "automation"),
	}
	if dryRun {
		return preview(automation.ActionAddNote, msg), nil
	}
	created, err := d.store.Create(ctx, models.EntityCommunicationMessage, msg)
	if err != nil {
		return nil, &automation.DispatchError{Action: automation.ActionAddNote, Err: err}
	}
	return created, nil
}

// resolveLinks derives client/project ids from explicit params or from the
// triggering entity. A Project event also carries its client.
func (d *ActionDispatcher) resolveLinks(ctx context.Context, params, evt map[string]any) (string, string, error) {
	clientID := paramString(params, "client_id")
	projectID := paramString(params, "project_id")
	entityID := automation.ContextString(evt, automation.KeyEntityID)

	switch automation.ContextString(evt, automation.KeyEntityType) {
	case models.EntityClient:
		clientID = firstNonEmpty(clientID, entityID)
	case models.EntityProject:
		projectID = firstNonEmpty(projectID, entityID)
		if clientID == "" && entityID != "" {
			project, err := d.store.Get(ctx, models.EntityProject, entityID)
			if err != nil {
				return "", "", &automation.LookupError{Kind: models.EntityProject, ID: entityID, Err: err}
			}
			clientID, _ = project["client_id"].(string)
		}
	default:
		clientID = firstNonEmpty(clientID, automation.ContextString(evt, "client_id"))
		projectID = firstNonEmpty(projectID, automation.ContextString(evt, "project_id"))
	}
	return clientID, projectID, nil
}

func (d *ActionDispatcher) idsByName(ctx context.Context, entity, name string) ([]string, error) {
	recs, err := d.store.Filter(ctx, entity, map[string]any{"name": name})
	if err != nil {
		return nil, &automation.LookupError{Kind: entity, ID: name, Err: err}
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if id, _ := r["id"].(string); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return automation.Stringify(v)
}

func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
