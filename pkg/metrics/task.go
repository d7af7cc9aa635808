package metrics

import "github.com/prometheus/client_golang/prometheus"

// Task mutation kinds.
const (
	MutationCreated  = "created"
	MutationStatus   = "status"
	MutationAssigned = "assigned"
	MutationEdited   = "edited"
	MutationDeleted  = "deleted"
)

func (m *Manager) initTaskMetrics() {
	m.taskMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_mutations_total",
			Help: "Total number of committed task mutations by kind",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.taskMutations)
}

// RecordTaskMutation counts a committed task mutation.
func (m *Manager) RecordTaskMutation(kind string) {
	if !m.enabled {
		return
	}
	m.taskMutations.WithLabelValues(kind).Inc()
}
