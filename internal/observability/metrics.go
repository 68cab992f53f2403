package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	Reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callgate_reservations_total", Help: "Slot reservation outcomes"},
		[]string{"class", "outcome"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callgate_webhook_deliveries_total", Help: "Provider webhook deliveries"},
		[]string{"source", "result"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callgate_dispatches_total", Help: "Queue drain dispatch results"},
		[]string{"result"},
	)
	PipelineTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callgate_pipeline_tasks_total", Help: "Post-call pipeline task results"},
		[]string{"stage", "result"},
	)
	ProviderPlace = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callgate_provider_place_total", Help: "Provider place-call outcomes"},
		[]string{"result"},
	)
	ProviderPlaceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "callgate_provider_place_latency_seconds", Help: "Provider place-call latency"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		Reservations,
		WebhookDeliveries,
		Dispatches,
		PipelineTasks,
		ProviderPlace,
		ProviderPlaceLatency,
	)
}
