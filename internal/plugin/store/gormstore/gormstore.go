// Package gormstore implements registry/store.Store on top of gorm. The
// postgres and sqlite plugins share this implementation and differ only in
// their dialector and in how unique-constraint violations are recognized.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/model"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// UniqueViolation reports whether err is a driver-level unique constraint failure.
type UniqueViolation func(err error) bool

// Store implements registrystore.Store.
type Store struct {
	db       *gorm.DB
	isUnique UniqueViolation
	close    func() error
}

// Open connects through dialector and applies the pool settings from cfg.
func Open(dialector gorm.Dialector, cfg *config.Config, isUnique UniqueViolation) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialector.Name(), err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if cfg != nil {
		if cfg.DBMaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		}
		if cfg.DBMaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		}
	}
	security.ObserveDBPool(sqlDB)
	s := New(db, isUnique)
	s.close = sqlDB.Close
	return s, nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB, isUnique UniqueViolation) *Store {
	if isUnique == nil {
		isUnique = func(error) bool { return false }
	}
	return &Store{db: db, isUnique: isUnique}
}

// DB exposes the gorm handle for plugins that share the connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{
		&model.Conversation{},
		&model.Message{},
		&model.Attachment{},
		&model.Blob{},
		&model.Role{},
		&model.ActorRole{},
		&model.Permission{},
		&model.RolePermission{},
		&model.UserPermission{},
		&model.Quota{},
		&model.RoleQuota{},
		&model.ActorQuota{},
		&model.QuotaUsage{},
		&model.ActionToggle{},
	}
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *Store) Transaction(ctx context.Context, fn func(tx registrystore.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := *s
		scoped.db = tx
		scoped.close = nil
		return fn(&scoped)
	})
}

func (s *Store) conflict(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || s.isUnique(err)
}

// ensure returns the row matching key, inserting candidate when none exists.
// Concurrent callers converge on a single row: the insert ignores conflicts
// and the winner is re-read.
func ensure[T any](ctx context.Context, db *gorm.DB, key map[string]any, candidate *T) (*T, error) {
	var existing T
	result := db.WithContext(ctx).Where(key).Limit(1).Find(&existing)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		return &existing, nil
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(candidate).Error; err != nil {
		return nil, err
	}
	result = db.WithContext(ctx).Where(key).Limit(1).Find(&existing)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("row for %v vanished after insert", key)
	}
	return &existing, nil
}

// --- Conversations ---

func (s *Store) GetOrCreateConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := ensure(ctx, s.db, map[string]any{"id": id}, &model.Conversation{ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var messages []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	db := s.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(msg).Error; err != nil {
		if s.conflict(err) {
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("conversation %s already has a message at position %d", msg.ConversationID, msg.Seq),
				Err:     err,
			}
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		messageID := msg.ID
		a.MessageID = &messageID
		a.Position = i
		if err := db.Create(a).Error; err != nil {
			return fmt.Errorf("failed to store attachment %s: %w", a.BlobID, err)
		}
	}
	return nil
}

// --- Registry rows ---

func (s *Store) EnsureRole(ctx context.Context, name string) (*model.Role, error) {
	role, err := ensure(ctx, s.db, map[string]any{"name": name}, &model.Role{Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure role %q: %w", name, err)
	}
	return role, nil
}

func (s *Store) EnsurePermission(ctx context.Context, actionID int) (*model.Permission, error) {
	perm, err := ensure(ctx, s.db,
		map[string]any{"action_id": actionID},
		&model.Permission{ActionID: actionID, Description: model.ActionName(actionID)})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure permission for action %d: %w", actionID, err)
	}
	return perm, nil
}

func (s *Store) EnsureQuota(ctx context.Context, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	seconds := int64(period / time.Second)
	q, err := ensure(ctx, s.db,
		map[string]any{"action_id": actionID, "unit_limit": limit, "reset_period_seconds": seconds},
		&model.Quota{ActionID: actionID, Limit: limit, ResetPeriodSeconds: seconds})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota for action %d: %w", actionID, err)
	}
	return q, nil
}

// findRole returns nil when the role has never been referenced.
func (s *Store) findRole(ctx context.Context, name string) (*model.Role, error) {
	var role model.Role
	result := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&role)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find role %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &role, nil
}

// --- Memberships ---

func (s *Store) AssignRole(ctx context.Context, actorID, role string) error {
	r, err := s.EnsureRole(ctx, role)
	if err != nil {
		return err
	}
	_, err = ensure(ctx, s.db,
		map[string]any{"actor_id": actorID, "role_id": r.ID},
		&model.ActorRole{ActorID: actorID, RoleID: r.ID})
	if err != nil {
		return fmt.Errorf("failed to assign role %q to %s: %w", role, actorID, err)
	}
	return nil
}

func (s *Store) RevokeRole(ctx context.Context, actorID, role string) error {
	r, err := s.findRole(ctx, role)
	if err != nil || r == nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("actor_id = ? AND role_id = ?", actorID, r.ID).
		Delete(&model.ActorRole{}).Error; err != nil {
		return fmt.Errorf("failed to revoke role %q from %s: %w", role, actorID, err)
	}
	return nil
}

func (s *Store) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Table("actor_roles").
		Joins("JOIN roles ON roles.id = actor_roles.role_id").
		Where("actor_roles.actor_id = ?", actorID).
		Order("roles.name ASC").
		Pluck("roles.name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list roles of %s: %w", actorID, err)
	}
	return names, nil
}

// --- Grants ---

func (s *Store) GrantRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error {
	r, err := s.EnsureRole(ctx, role)
	if err != nil {
		return err
	}
	perm, err := s.EnsurePermission(ctx, actionID)
	if err != nil {
		return err
	}
	_, err = ensure(ctx, s.db,
		map[string]any{"role_id": r.ID, "permission_id": perm.ID, "effect": effect},
		&model.RolePermission{RoleID: r.ID, PermissionID: perm.ID, Effect: effect})
	if err != nil {
		return fmt.Errorf("failed to grant %s on action %d to role %q: %w", effect, actionID, role, err)
	}
	return nil
}

func (s *Store) RevokeRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error {
	r, err := s.findRole(ctx, role)
	if err != nil || r == nil {
		return err
	}
	perm, err := s.EnsurePermission(ctx, actionID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("role_id = ? AND permission_id = ? AND effect = ?", r.ID, perm.ID, effect).
		Delete(&model.RolePermission{}).Error; err != nil {
		return fmt.Errorf("failed to revoke role permission: %w", err)
	}
	return nil
}

func (s *Store) GrantActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error {
	perm, err := s.EnsurePermission(ctx, actionID)
	if err != nil {
		return err
	}
	_, err = ensure(ctx, s.db,
		map[string]any{"actor_id": actorID, "permission_id": perm.ID, "effect": effect},
		&model.UserPermission{ActorID: actorID, PermissionID: perm.ID, Effect: effect})
	if err != nil {
		return fmt.Errorf("failed to grant %s on action %d to %s: %w", effect, actionID, actorID, err)
	}
	return nil
}

func (s *Store) RevokeActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error {
	perm, err := s.EnsurePermission(ctx, actionID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("actor_id = ? AND permission_id = ? AND effect = ?", actorID, perm.ID, effect).
		Delete(&model.UserPermission{}).Error; err != nil {
		return fmt.Errorf("failed to revoke actor permission: %w", err)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, actorID string, roles []string, actionID int) ([]registrystore.Grant, error) {
	perm, err := s.EnsurePermission(ctx, actionID)
	if err != nil {
		return nil, err
	}
	var grants []registrystore.Grant
	if len(roles) > 0 {
		var rows []struct {
			Name   string
			Effect model.Effect
		}
		err := s.db.WithContext(ctx).
			Table("role_permissions").
			Select("roles.name AS name, role_permissions.effect AS effect").
			Joins("JOIN roles ON roles.id = role_permissions.role_id").
			Where("role_permissions.permission_id = ? AND roles.name IN ?", perm.ID, roles).
			Order("roles.name ASC, role_permissions.effect ASC").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list role grants: %w", err)
		}
		for _, r := range rows {
			grants = append(grants, registrystore.Grant{Subject: registrystore.SubjectRole, Name: r.Name, Effect: r.Effect})
		}
	}
	if actorID != "" {
		var effects []model.Effect
		err := s.db.WithContext(ctx).
			Model(&model.UserPermission{}).
			Where("actor_id = ? AND permission_id = ?", actorID, perm.ID).
			Order("effect ASC").
			Pluck("effect", &effects).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list actor grants: %w", err)
		}
		for _, e := range effects {
			grants = append(grants, registrystore.Grant{Subject: registrystore.SubjectActor, Name: actorID, Effect: e})
		}
	}
	return grants, nil
}

// --- Quotas ---

func (s *Store) SetRoleQuota(ctx context.Context, role string, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	r, err := s.EnsureRole(ctx, role)
	if err != nil {
		return nil, err
	}
	q, err := s.EnsureQuota(ctx, actionID, limit, period)
	if err != nil {
		return nil, err
	}
	row := model.RoleQuota{RoleID: r.ID, ActionID: actionID, QuotaID: q.ID}
	err = s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role_id"}, {Name: "action_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quota_id"}),
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to set quota for role %q: %w", role, err)
	}
	return q, nil
}

func (s *Store) SetActorQuota(ctx context.Context, actorID string, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	q, err := s.EnsureQuota(ctx, actionID, limit, period)
	if err != nil {
		return nil, err
	}
	row := model.ActorQuota{ActorID: actorID, ActionID: actionID, QuotaID: q.ID}
	err = s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "actor_id"}, {Name: "action_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quota_id"}),
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to set quota for %s: %w", actorID, err)
	}
	return q, nil
}

func (s *Store) ClearRoleQuota(ctx context.Context, role string, actionID int) error {
	r, err := s.findRole(ctx, role)
	if err != nil || r == nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("role_id = ? AND action_id = ?", r.ID, actionID).
		Delete(&model.RoleQuota{}).Error; err != nil {
		return fmt.Errorf("failed to clear quota for role %q: %w", role, err)
	}
	return nil
}

func (s *Store) ClearActorQuota(ctx context.Context, actorID string, actionID int) error {
	if err := s.db.WithContext(ctx).
		Where("actor_id = ? AND action_id = ?", actorID, actionID).
		Delete(&model.ActorQuota{}).Error; err != nil {
		return fmt.Errorf("failed to clear quota for %s: %w", actorID, err)
	}
	return nil
}

func (s *Store) ResolveAllocation(ctx context.Context, actorID string, roles []string, actionID int) (*registrystore.Allocation, error) {
	db := s.db.WithContext(ctx)
	if actorID != "" {
		var aq model.ActorQuota
		result := db.Preload("Quota").
			Where("actor_id = ? AND action_id = ?", actorID, actionID).
			Limit(1).
			Find(&aq)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to load actor quota: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return &registrystore.Allocation{Subject: registrystore.SubjectActor, Name: actorID, Quota: aq.Quota}, nil
		}
	}
	if len(roles) == 0 {
		return nil, nil
	}
	var roleIDs []uint
	if err := db.Model(&model.Role{}).Where("name IN ?", roles).Pluck("id", &roleIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var rqs []model.RoleQuota
	err := db.Preload("Quota").Preload("Role").
		Where("role_id IN ? AND action_id = ?", roleIDs, actionID).
		Find(&rqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load role quotas: %w", err)
	}
	if len(rqs) == 0 {
		return nil, nil
	}
	sort.Slice(rqs, func(i, j int) bool {
		if rqs[i].Quota.Limit != rqs[j].Quota.Limit {
			return rqs[i].Quota.Limit > rqs[j].Quota.Limit
		}
		return rqs[i].Role.Name < rqs[j].Role.Name
	})
	best := rqs[0]
	return &registrystore.Allocation{Subject: registrystore.SubjectRole, Name: best.Role.Name, Quota: best.Quota}, nil
}

// --- Usage ---

func (s *Store) GetOrCreateUsage(ctx context.Context, actorID string, actionID int, now time.Time) (*model.QuotaUsage, error) {
	u, err := ensure(ctx, s.db,
		map[string]any{"actor_id": actorID, "action_id": actionID},
		&model.QuotaUsage{ActorID: actorID, ActionID: actionID, LastReset: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for %s: %w", actorID, err)
	}
	u.LastReset = u.LastReset.UTC()
	return u, nil
}

func (s *Store) ResetUsage(ctx context.Context, actorID string, actionID int, cutoff, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&model.QuotaUsage{}).
		Where("actor_id = ? AND action_id = ? AND last_reset < ? AND last_reset < ?", actorID, actionID, cutoff.UTC(), now.UTC()).
		Updates(map[string]any{"current_value": 0, "last_reset": now.UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reset usage for %s: %w", actorID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) AddUsage(ctx context.Context, actorID string, actionID int, amount int64) error {
	result := s.db.WithContext(ctx).
		Model(&model.QuotaUsage{}).
		Where("actor_id = ? AND action_id = ?", actorID, actionID).
		UpdateColumn("current_value", gorm.Expr("current_value + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("failed to add usage for %s: %w", actorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "quota usage", ID: actorID}
	}
	return nil
}

func (s *Store) ReserveUsage(ctx context.Context, actorID string, actionID int, amount, limit int64) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&model.QuotaUsage{}).
		Where("actor_id = ? AND action_id = ? AND current_value + ? <= ?", actorID, actionID, amount, limit).
		UpdateColumn("current_value", gorm.Expr("current_value + ?", amount))
	if result.Error != nil {
		return false, fmt.Errorf("failed to reserve usage for %s: %w", actorID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) ReleaseUsage(ctx context.Context, actorID string, actionID int, amount int64) error {
	result := s.db.WithContext(ctx).
		Model(&model.QuotaUsage{}).
		Where("actor_id = ? AND action_id = ?", actorID, actionID).
		UpdateColumn("current_value", gorm.Expr("CASE WHEN current_value > ? THEN current_value - ? ELSE 0 END", amount, amount))
	if result.Error != nil {
		return fmt.Errorf("failed to release usage for %s: %w", actorID, result.Error)
	}
	return nil
}

// --- Toggles ---

func (s *Store) GetOrCreateToggle(ctx context.Context, actionID int) (*model.ActionToggle, error) {
	t, err := ensure(ctx, s.db,
		map[string]any{"action_id": actionID},
		&model.ActionToggle{ActionID: actionID, Enabled: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load toggle for action %d: %w", actionID, err)
	}
	return t, nil
}

func (s *Store) SetToggle(ctx context.Context, actionID int, enabled bool) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "action_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
		}).
		Create(&model.ActionToggle{ActionID: actionID, Enabled: enabled}).Error
	if err != nil {
		return fmt.Errorf("failed to set toggle for action %d: %w", actionID, err)
	}
	return nil
}

var _ registrystore.Store = (*Store)(nil)
