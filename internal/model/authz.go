package model

import (
	"math"
	"time"
)

// Effect is the outcome a grant contributes to a permission decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is allow or deny.
func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// Actor is an authenticated principal. A nil *Actor or an empty ID is the
// anonymous actor. Roles are those asserted by the identity layer; they are
// unioned with persisted memberships when permissions are resolved.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// IsAnonymous reports whether a carries no identity.
func (a *Actor) IsAnonymous() bool { return a == nil || a.ID == "" }

// Role is a named grouping of permissions and quotas.
type Role struct {
	ID          uint   `json:"id"                    gorm:"primaryKey;autoIncrement"`
	Name        string `json:"name"                  gorm:"not null;uniqueIndex"`
	Description string `json:"description,omitempty" gorm:"not null;default:''"`
}

func (Role) TableName() string { return "roles" }

// ActorRole is a persisted role membership.
type ActorRole struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	ActorID string `gorm:"not null;uniqueIndex:idx_actor_roles_pair,priority:1"`
	RoleID  uint   `gorm:"not null;uniqueIndex:idx_actor_roles_pair,priority:2"`
}

func (ActorRole) TableName() string { return "actor_roles" }

// Permission binds a grantable entry to one action.
type Permission struct {
	ID          uint   `json:"id"                    gorm:"primaryKey;autoIncrement"`
	ActionID    int    `json:"actionId"              gorm:"not null;uniqueIndex"`
	Description string `json:"description,omitempty" gorm:"not null;default:''"`
}

func (Permission) TableName() string { return "permissions" }

// RolePermission grants or denies a permission to every holder of a role.
type RolePermission struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RoleID       uint   `gorm:"not null;uniqueIndex:idx_role_permissions_triple,priority:1"`
	PermissionID uint   `gorm:"not null;uniqueIndex:idx_role_permissions_triple,priority:2"`
	Effect       Effect `gorm:"not null;uniqueIndex:idx_role_permissions_triple,priority:3"`
}

func (RolePermission) TableName() string { return "role_permissions" }

// UserPermission grants or denies a permission to one actor.
type UserPermission struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ActorID      string `gorm:"not null;uniqueIndex:idx_user_permissions_triple,priority:1"`
	PermissionID uint   `gorm:"not null;uniqueIndex:idx_user_permissions_triple,priority:2"`
	Effect       Effect `gorm:"not null;uniqueIndex:idx_user_permissions_triple,priority:3"`
}

func (UserPermission) TableName() string { return "user_permissions" }

// Quota is a reusable (action, limit, period) definition.
type Quota struct {
	ID                 uint  `json:"id"                 gorm:"primaryKey;autoIncrement"`
	ActionID           int   `json:"actionId"           gorm:"not null;uniqueIndex:idx_quotas_triple,priority:1"`
	Limit              int64 `json:"limit"              gorm:"column:unit_limit;not null;uniqueIndex:idx_quotas_triple,priority:2"`
	ResetPeriodSeconds int64 `json:"resetPeriodSeconds" gorm:"not null;uniqueIndex:idx_quotas_triple,priority:3"`
}

func (Quota) TableName() string { return "quotas" }

// MaxResetPeriodSeconds is the longest quota window a time.Duration can hold.
const MaxResetPeriodSeconds = math.MaxInt64 / int64(time.Second)

// ResetPeriod returns the quota window as a duration, saturating at the
// largest representable window.
func (q Quota) ResetPeriod() time.Duration {
	if q.ResetPeriodSeconds > MaxResetPeriodSeconds {
		return time.Duration(MaxResetPeriodSeconds) * time.Second
	}
	return time.Duration(q.ResetPeriodSeconds) * time.Second
}

// RoleQuota assigns a quota to a role for one action.
type RoleQuota struct {
	ID       uint  `gorm:"primaryKey;autoIncrement"`
	RoleID   uint  `gorm:"not null;uniqueIndex:idx_role_quotas_pair,priority:1"`
	Role     Role  `gorm:"foreignKey:RoleID"`
	ActionID int   `gorm:"not null;uniqueIndex:idx_role_quotas_pair,priority:2"`
	QuotaID  uint  `gorm:"not null"`
	Quota    Quota `gorm:"foreignKey:QuotaID"`
}

func (RoleQuota) TableName() string { return "role_quotas" }

// ActorQuota assigns a quota directly to one actor, overriding role quotas.
type ActorQuota struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	ActorID  string `gorm:"not null;uniqueIndex:idx_actor_quotas_pair,priority:1"`
	ActionID int    `gorm:"not null;uniqueIndex:idx_actor_quotas_pair,priority:2"`
	QuotaID  uint   `gorm:"not null"`
	Quota    Quota  `gorm:"foreignKey:QuotaID"`
}

func (ActorQuota) TableName() string { return "actor_quotas" }

// QuotaUsage is the running counter for one (actor, action) pair.
type QuotaUsage struct {
	ID           uint      `json:"-"            gorm:"primaryKey;autoIncrement"`
	ActorID      string    `json:"actorId"      gorm:"not null;uniqueIndex:idx_quota_usages_pair,priority:1"`
	ActionID     int       `json:"actionId"     gorm:"not null;uniqueIndex:idx_quota_usages_pair,priority:2"`
	CurrentValue int64     `json:"currentValue" gorm:"not null;default:0"`
	LastReset    time.Time `json:"lastReset"    gorm:"not null"`
}

func (QuotaUsage) TableName() string { return "quota_usages" }

// ActionToggle is the global kill switch for one action.
type ActionToggle struct {
	ActionID int  `json:"actionId" gorm:"primaryKey;autoIncrement:false"`
	Enabled  bool `json:"enabled"  gorm:"not null"`
}

func (ActionToggle) TableName() string { return "action_toggles" }
