package registry

import (
	"errors"
	"testing"

	prommodel "github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
)

func series(labels map[string]string) prometheus.Series {
	metric := prommodel.Metric{}
	for k, v := range labels {
		metric[prommodel.LabelName(k)] = prommodel.LabelValue(v)
	}
	return prometheus.Series{Metric: metric}
}

func TestParsedFromName(t *testing.T) {
	const uid = "1f0c5a8e-3b7d-4b8e-9a51-2d6c1e0f7a33"
	source := ParsedFromName{Label: "name", PositionFromEnd: 2}

	tests := []struct {
		name   string
		labels map[string]string
		wantID string
		wantOK bool
	}{
		{
			name:   "cadvisor container name",
			labels: map[string]string{"name": "k8s_notebook_jupyter-alice_hub_" + uid + "_0"},
			wantID: uid,
			wantOK: true,
		},
		{
			name:   "non uuid token still accepted",
			labels: map[string]string{"name": "a_b_c_42_0"},
			wantID: "42",
			wantOK: true,
		},
		{name: "too few tokens", labels: map[string]string{"name": "single"}},
		{name: "empty token", labels: map[string]string{"name": "a__0"}},
		{name: "label missing", labels: map[string]string{"pod": "jupyter-alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, label, ok := source.Identity(series(tt.labels))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, "name", label)
		})
	}
}

func TestResolveCreatesOnlyWhenAllowed(t *testing.T) {
	r := New()
	direct := Direct{Label: "uid"}

	_, err := r.Resolve(series(map[string]string{"uid": "u-1"}), direct, false)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.Equal(t, 0, r.Len())

	created, err := r.Resolve(series(map[string]string{"uid": "u-1"}), direct, true)
	require.NoError(t, err)
	again, err := r.Resolve(series(map[string]string{"uid": "u-1"}), direct, false)
	require.NoError(t, err)
	assert.Same(t, created, again)
}

func TestResolveMissingIdentityIsInconsistent(t *testing.T) {
	r := New()
	_, err := r.Resolve(series(map[string]string{"__name__": "kube_pod_created", "pod": "x"}), Direct{Label: "uid"}, true)

	var inconsistent *model.InconsistentMetricError
	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, "kube_pod_created", inconsistent.Metric)
	assert.Equal(t, "uid", inconsistent.Label)
}

func TestSessionsKeepFirstObservationOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b", "a"} {
		_, err := r.Resolve(series(map[string]string{"uid": id}), Direct{Label: "uid"}, true)
		require.NoError(t, err)
	}

	var ids []string
	for _, s := range r.Sessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	_, ok := r.Get("b")
	assert.True(t, ok)
}
