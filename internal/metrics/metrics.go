package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the workflow engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Instance metrics
	InstancesStarted    *prometheus.CounterVec
	InstanceTransitions *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec

	// Task metrics
	TasksCreated   *prometheus.CounterVec
	TaskOutcomes   *prometheus.CounterVec
	LockConflicts  prometheus.Counter
	TaskDuration   *prometheus.HistogramVec
	SweepProcessed *prometheus.CounterVec

	// Rule and campaign metrics
	RuleMatches       *prometheus.CounterVec
	CampaignInstances *prometheus.CounterVec
	CampaignEvents    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InstancesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_instances_started_total",
				Help: "Workflow instances started",
			},
			[]string{"definition_id", "status"},
		),
		InstanceTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_instance_transitions_total",
				Help: "Instance lifecycle transitions by target status",
			},
			[]string{"status"},
		),
		AdmissionRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_admission_rejections_total",
				Help: "StartWorkflow calls rejected by admission control",
			},
			[]string{"reason"},
		),
		TasksCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_tasks_created_total",
				Help: "Tasks created by queue",
			},
			[]string{"queue"},
		),
		TaskOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_task_outcomes_total",
				Help: "Task outcomes by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		LockConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "crmflow_task_lock_conflicts_total",
				Help: "LockTask calls lost to a concurrent writer",
			},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmflow_task_handler_duration_seconds",
				Help:    "Duration of task handlers in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"queue", "success"},
		),
		SweepProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_sweep_processed_total",
				Help: "Rows touched by periodic sweeps",
			},
			[]string{"sweep"},
		),
		RuleMatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_rule_matches_total",
				Help: "Simple engine rule matches by entity type",
			},
			[]string{"entity_type"},
		),
		CampaignInstances: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_campaign_instances_started_total",
				Help: "Instances started by campaign triggers",
			},
			[]string{"trigger_event"},
		),
		CampaignEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_campaign_events_total",
				Help: "Recipient engagement events by type",
			},
			[]string{"event"},
		),
	}
}

func (m *Metrics) IncStarted(definitionID, status string) {
	if m != nil {
		m.InstancesStarted.WithLabelValues(definitionID, status).Inc()
	}
}

func (m *Metrics) IncTransition(status string) {
	if m != nil {
		m.InstanceTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncRejected(reason string) {
	if m != nil {
		m.AdmissionRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncTaskCreated(queue string) {
	if m != nil {
		m.TasksCreated.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) IncTaskOutcome(queue, outcome string) {
	if m != nil {
		m.TaskOutcomes.WithLabelValues(queue, outcome).Inc()
	}
}

func (m *Metrics) IncLockConflict() {
	if m != nil {
		m.LockConflicts.Inc()
	}
}

func (m *Metrics) ObserveTask(queue string, success bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.TaskDuration.WithLabelValues(queue, label).Observe(seconds)
}

func (m *Metrics) AddSweep(sweep string, n int) {
	if m != nil && n > 0 {
		m.SweepProcessed.WithLabelValues(sweep).Add(float64(n))
	}
}

func (m *Metrics) IncRuleMatch(entityType string) {
	if m != nil {
		m.RuleMatches.WithLabelValues(entityType).Inc()
	}
}

func (m *Metrics) AddCampaignInstances(triggerEvent string, n int) {
	if m != nil && n > 0 {
		m.CampaignInstances.WithLabelValues(triggerEvent).Add(float64(n))
	}
}

func (m *Metrics) IncCampaignEvent(event string) {
	if m != nil {
		m.CampaignEvents.WithLabelValues(event).Inc()
	}
}
