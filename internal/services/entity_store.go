package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Record is the untyped view of one CRM entity row, keyed by column name.
type Record = map[string]any

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrUnknownEntity  = errors.New("unknown entity type")
)

// EntityStore is the storage surface the automation engine needs:
// filter/list/create/update/delete by entity name.
type EntityStore interface {
	Get(ctx context.Context, entity, id string) (Record, error)
	Filter(ctx context.Context, entity string, where map[string]any) ([]Record, error)
	List(ctx context.Context, entity string, limit int) ([]Record, error)
	Create(ctx context.Context, entity string, data Record) (Record, error)
	Update(ctx context.Context, entity, id string, data Record) (Record, error)
	UpdateWhere(ctx context.Context, entity string, where map[string]any, data Record) (int64, error)
	Delete(ctx context.Context, entity, id string) error
}

// GormEntityStore backs EntityStore with the typed CRM models.
type GormEntityStore struct {
	db       *gorm.DB
	logger   *logrus.Logger
	registry map[string]reflect.Type
}

// NewGormEntityStore 创建基于 gorm 的实体存储
func NewGormEntityStore(db *gorm.DB, logger *logrus.Logger) *GormEntityStore {
	if logger == nil {
		logger = logrus.New()
	}
	s := &GormEntityStore{db: db, logger: logger, registry: map[string]reflect.Type{}}
	s.Register(models.EntityClient, models.Client{})
	s.Register(models.EntityProject, models.Project{})
	s.Register(models.EntityTask, models.Task{})
	s.Register(models.EntityMeeting, models.Meeting{})
	s.Register(models.EntityNotification, models.Notification{})
	s.Register(models.EntityCommunicationMessage, models.CommunicationMessage{})
	return s
}

// Register maps an entity name to a model struct value.
func (s *GormEntityStore) Register(entity string, model any) {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.registry[entity] = t
}

// Entities 返回已注册的实体名称
func (s *GormEntityStore) Entities() []string {
	out := make([]string, 0, len(s.registry))
	for name := range s.registry {
		out = append(out, name)
	}
	return out
}

func (s *GormEntityStore) newModel(entity string) (any, error) {
	t, ok := s.registry[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return reflect.New(t).Interface(), nil
}

func (s *GormEntityStore) newSlice(entity string) (any, error) {
	t, ok := s.registry[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return reflect.New(reflect.SliceOf(t)).Interface(), nil
}

func (s *GormEntityStore) Get(ctx context.Context, entity, id string) (Record, error) {
	m, err := s.newModel(entity)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s %s: %w", entity, id, ErrEntityNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", entity, err)
	}
	return toRecord(m)
}

func (s *GormEntityStore) Filter(ctx context.Context, entity string, where map[string]any) ([]Record, error) {
	list, err := s.newSlice(entity)
	if err != nil {
		return nil, err
	}
	cond, err := s.columns(entity, where)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Order("created_date asc")
	if len(cond) > 0 {
		q = q.Where(cond)
	}
	if err := q.Find(list).Error; err != nil {
		return nil, fmt.Errorf("failed to filter %s: %w", entity, err)
	}
	return toRecords(list)
}

func (s *GormEntityStore) List(ctx context.Context, entity string, limit int) ([]Record, error) {
	list, err := s.newSlice(entity)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Order("created_date desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(list).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	return toRecords(list)
}

func (s *GormEntityStore) Create(ctx context.Context, entity string, data Record) (Record, error) {
	m, err := s.newModel(entity)
	if err != nil {
		return nil, err
	}
	if err := decodeInto(data, m); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", entity, err)
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", entity, err)
	}
	return toRecord(m)
}

func (s *GormEntityStore) Update(ctx context.Context, entity, id string, data Record) (Record, error) {
	updates, model, err := s.assignments(ctx, entity, data)
	if err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update %s: %w", entity, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("%s %s: %w", entity, id, ErrEntityNotFound)
		}
	}
	return s.Get(ctx, entity, id)
}

func (s *GormEntityStore) UpdateWhere(ctx context.Context, entity string, where map[string]any, data Record) (int64, error) {
	cond, err := s.columns(entity, where)
	if err != nil {
		return 0, err
	}
	if len(cond) == 0 {
		return 0, fmt.Errorf("refusing to update every %s row", entity)
	}
	updates, model, err := s.assignments(ctx, entity, data)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(model).Where(cond).Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update %s: %w", entity, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormEntityStore) Delete(ctx context.Context, entity, id string) error {
	m, err := s.newModel(entity)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(m)
	if res.Error != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrEntityNotFound)
	}
	return nil
}

// columns keeps only keys that are real columns of the entity table.
func (s *GormEntityStore) columns(entity string, where map[string]any) (map[string]any, error) {
	m, err := s.newModel(entity)
	if err != nil {
		return nil, err
	}
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(m); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(where))
	for k, v := range where {
		field := stmt.Schema.LookUpField(k)
		if field == nil || field.DBName == "" {
			return nil, fmt.Errorf("%s has no field %q", entity, k)
		}
		out[field.DBName] = v
	}
	return out, nil
}

// assignments decodes data through the typed model so every value reaches
// the database with its column type.
func (s *GormEntityStore) assignments(ctx context.Context, entity string, data Record) (map[string]any, any, error) {
	m, err := s.newModel(entity)
	if err != nil {
		return nil, nil, err
	}
	if err := decodeInto(data, m); err != nil {
		return nil, nil, fmt.Errorf("invalid %s payload: %w", entity, err)
	}
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(m); err != nil {
		return nil, nil, err
	}
	rv := reflect.ValueOf(m).Elem()
	updates := make(map[string]any, len(data))
	for k := range data {
		if k == "id" || k == "created_date" {
			continue
		}
		field := stmt.Schema.LookUpField(k)
		if field == nil || field.DBName == "" {
			s.logger.Debugf("entity store: ignoring unknown %s field %q", entity, k)
			continue
		}
		v, _ := field.ValueOf(ctx, rv)
		updates[field.DBName] = v
	}
	model, _ := s.newModel(entity)
	return updates, model, nil
}

func decodeInto(data Record, out any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func toRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func toRecords(list any) ([]Record, error) {
	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	out := []Record{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
