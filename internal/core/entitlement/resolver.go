// Package entitlement maps the raw group of a session to the identity it is reported under.
package entitlement

import (
	"fmt"

	"github.com/penwyp/go-pod-accounting/internal/config"
	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// KeyField selects which session attribute is looked up.
type KeyField string

const (
	KeyPrimaryGroup   KeyField = "primary_group"
	KeyGlobalUserName KeyField = "global_user_name"
	KeyNamespace      KeyField = "namespace"
	KeyFlavor         KeyField = "flavor"
)

type Resolver struct {
	key   KeyField
	table map[string]string
}

// New builds a resolver from a raw-value to VO table.
func New(key KeyField, table map[string]string) (*Resolver, error) {
	switch key {
	case KeyPrimaryGroup, KeyGlobalUserName, KeyNamespace, KeyFlavor:
	default:
		return nil, fmt.Errorf("unsupported entitlement key field %q", key)
	}
	if table == nil {
		table = map[string]string{}
	}
	return &Resolver{key: key, table: table}, nil
}

// FromConfig builds a resolver from the entitlement section.
func FromConfig(cfg config.EntitlementConfig) (*Resolver, error) {
	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}
	return New(KeyField(cfg.KeyField), table)
}

func (r *Resolver) raw(s *model.Session) string {
	switch r.key {
	case KeyGlobalUserName:
		return s.GlobalUserName
	case KeyNamespace:
		return s.Namespace
	case KeyFlavor:
		return s.Flavor
	default:
		return s.PrimaryGroup
	}
}

// Resolve returns the mapped VO for the session key, or the raw value when unmapped.
func (r *Resolver) Resolve(s *model.Session) (string, error) {
	raw := r.raw(s)
	if vo, ok := r.table[raw]; ok && raw != "" {
		return vo, nil
	}
	if raw == "" {
		return "", fmt.Errorf("session %s: %w", s.ID, model.ErrUnresolvedIdentity)
	}
	return raw, nil
}

// Apply stamps FQAN on every session it can resolve and returns the ones it could not.
// Unresolved sessions keep any FQAN they already had.
func (r *Resolver) Apply(sessions []*model.Session) []*model.Session {
	var unresolved []*model.Session
	for _, s := range sessions {
		fqan, err := r.Resolve(s)
		if err != nil {
			util.LogDebugf("No %s for session %s", r.key, s.ID)
			unresolved = append(unresolved, s)
			continue
		}
		s.FQAN = fqan
	}
	return unresolved
}
