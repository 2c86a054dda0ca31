package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectReceipt      = "receipt"
	ObjectReceiptError = "receipt_error"
	ObjectCart         = "cart"
	ObjectRecovery     = "recovery"
)

const (
	ActionView       = "view"
	ActionGenerate   = "generate"
	ActionRegenerate = "regenerate"
	ActionRecover    = "recover"
	ActionReset      = "reset"
	ActionReview     = "review"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleSystem   = "system"
)

// ActorSystem is used by the scheduler and queue consumers.
const ActorSystem = "system"

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from casbin_rule and seeds the built-in helpdesk roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Authorize accepts "system" or "helpdesk:<role>" actors.
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := roleForActor(actor)
	if err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(roleName, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization.denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func roleForActor(actor string) (string, error) {
	if actor == ActorSystem {
		return "role:" + RoleSystem, nil
	}
	role, ok := strings.CutPrefix(actor, "helpdesk:")
	if !ok {
		return "", ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case RoleViewer, RoleOperator:
		return fmt.Sprintf("role:%s", role), nil
	default:
		return "", ErrInvalidActor
	}
}

// HelpdeskActor builds the actor string for a helpdesk role header value.
func HelpdeskActor(role string) string {
	return "helpdesk:" + strings.ToLower(strings.TrimSpace(role))
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectReceipt, ActionView},
		{"role:viewer", ObjectReceiptError, ActionView},
		{"role:viewer", ObjectCart, ActionView},

		// Operator permissions
		{"role:operator", ObjectReceipt, ActionGenerate},
		{"role:operator", ObjectReceipt, ActionRegenerate},
		{"role:operator", ObjectReceipt, ActionReset},
		{"role:operator", ObjectRecovery, ActionRecover},
		{"role:operator", ObjectReceiptError, ActionReview},
		{"role:operator", ObjectCart, ActionRecover},

		// System permissions (scheduler and consumers)
		{"role:system", ObjectRecovery, ActionRecover},
		{"role:system", ObjectCart, ActionRecover},
		{"role:system", ObjectReceipt, ActionGenerate},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	// operators inherit every viewer permission
	if _, err := enforcer.AddGroupingPolicy("role:operator", "role:viewer"); err != nil {
		return err
	}
	return nil
}
