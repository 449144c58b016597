// Package registry keeps the sessions reconstructed during one harvest run and resolves
// which session a metric series belongs to.
package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// IdentitySource extracts a session identity from a series.
type IdentitySource interface {
	// Identity returns the identity and the label it was read from.
	Identity(s prometheus.Series) (id string, label string, ok bool)
}

// Direct reads the identity from a label.
type Direct struct {
	Label string
}

func (d Direct) Identity(s prometheus.Series) (string, string, bool) {
	id, ok := s.Label(d.Label)
	return id, d.Label, ok
}

// ParsedFromName takes the PositionFromEnd-th "_"-separated token of a name label, the
// way cAdvisor container names (k8s_<container>_<pod>_<namespace>_<uid>_<attempt>) carry
// the pod uid.
type ParsedFromName struct {
	Label           string
	PositionFromEnd int
}

func (p ParsedFromName) Identity(s prometheus.Series) (string, string, bool) {
	name, ok := s.Label(p.Label)
	if !ok {
		return "", p.Label, false
	}
	parts := strings.Split(name, "_")
	if p.PositionFromEnd < 1 || len(parts) < p.PositionFromEnd {
		return "", p.Label, false
	}
	id := parts[len(parts)-p.PositionFromEnd]
	if id == "" {
		return "", p.Label, false
	}
	if uuid.Validate(id) != nil {
		util.LogDebugf("Identity %q parsed from %s=%q is not a UUID", id, p.Label, name)
	}
	return id, p.Label, true
}

// Registry maps identities to sessions and remembers first-observation order.
type Registry struct {
	sessions map[string]*model.Session
	order    []string
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*model.Session)}
}

// Resolve returns the session a series refers to. Only create=true may add a session.
func (r *Registry) Resolve(s prometheus.Series, source IdentitySource, create bool) (*model.Session, error) {
	id, label, ok := source.Identity(s)
	if !ok {
		return nil, &model.InconsistentMetricError{
			Metric: metricName(s),
			Label:  label,
			Labels: s.Labels(),
		}
	}

	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	sess := model.NewSession(id)
	r.sessions[id] = sess
	r.order = append(r.order, id)
	return sess, nil
}

// Get looks up a session by identity.
func (r *Registry) Get(id string) (*model.Session, bool) {
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Sessions returns sessions in first-observation order.
func (r *Registry) Sessions() []*model.Session {
	out := make([]*model.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

func metricName(s prometheus.Series) string {
	if name, ok := s.Label("__name__"); ok {
		return name
	}
	return "{" + fmt.Sprint(s.Labels()) + "}"
}
