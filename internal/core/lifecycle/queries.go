package lifecycle

import (
	"fmt"
	"strings"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/core/registry"
)

// UsageQuery is one additive usage series and the way its identity is read.
type UsageQuery struct {
	Key      model.MetricKey
	Expr     string
	Identity registry.IdentitySource
}

// QuerySet holds the PromQL expressions for one reconstruction run.
type QuerySet struct {
	Creation    string
	Phase       string
	Annotations string
	Image       string
	Usage       []UsageQuery
}

// BuildQueries renders the default query set for a label filter and lookback range.
//
// CPU time and memory come from cAdvisor series without a uid label, so they are joined with
// kube_pod_info. Network series are only available per container name and carry the pod uid
// inside the name label.
func BuildQueries(filter, rng, container string, name registry.ParsedFromName) QuerySet {
	sel := func(extra ...string) string { return selector(filter, extra...) }
	byUID := registry.Direct{Label: "uid"}
	containerMatch := fmt.Sprintf("container='%s'", container)

	return QuerySet{
		Creation:    fmt.Sprintf("last_over_time(kube_pod_created%s[%s])", sel(), rng),
		Phase:       fmt.Sprintf("kube_pod_status_phase%s[%s]", sel("phase='Running'"), rng),
		Annotations: fmt.Sprintf("last_over_time(kube_pod_annotations%s[%s])", sel(), rng),
		Image:       fmt.Sprintf("last_over_time(kube_pod_container_info%s[%s])", sel(containerMatch), rng),
		Usage: []UsageQuery{
			{
				Key: model.MetricCPUDuration,
				Expr: fmt.Sprintf("(sum by (namespace, pod) (max_over_time(container_cpu_usage_seconds_total%s[%s])))"+
					" * on (pod, namespace) group_left(uid) kube_pod_info", sel(), rng),
				Identity: byUID,
			},
			{
				Key:      model.MetricCPUCount,
				Expr:     fmt.Sprintf("sum by (uid) (max_over_time(kube_pod_container_resource_requests%s[%s]))", sel("resource='cpu'"), rng),
				Identity: byUID,
			},
			{
				Key: model.MetricMemory,
				Expr: fmt.Sprintf("(sum by (namespace, pod) (max_over_time(container_memory_max_usage_bytes%s[%s])))"+
					" * on (pod, namespace) group_left(uid) kube_pod_info", sel(), rng),
				Identity: byUID,
			},
			{
				Key:      model.MetricNetworkInbound,
				Expr:     fmt.Sprintf("sum by (%s) (last_over_time(container_network_receive_bytes_total%s[%s]))", name.Label, sel(), rng),
				Identity: name,
			},
			{
				Key:      model.MetricNetworkOutbound,
				Expr:     fmt.Sprintf("sum by (%s) (last_over_time(container_network_transmit_bytes_total%s[%s]))", name.Label, sel(), rng),
				Identity: name,
			},
		},
	}
}

// selector builds a {matcher,...} label selector, omitting an empty filter.
func selector(filter string, extra ...string) string {
	parts := make([]string, 0, len(extra)+1)
	if f := strings.TrimSpace(filter); f != "" {
		parts = append(parts, f)
	}
	parts = append(parts, extra...)
	return "{" + strings.Join(parts, ",") + "}"
}
