package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// MessagesSent counts committed sends by sender role.
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages committed, by sender role.",
		},
		[]string{"role"},
	)

	// SendRollbacks counts compensated sends by the step that failed
	// ("message", "upload", "attachment", "reconcile").
	SendRollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_send_rollbacks_total",
			Help: "Message sends rolled back, by failing step.",
		},
		[]string{"step"},
	)

	// RealtimeSubscriptions gauges open per-chat subscriptions.
	RealtimeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_subscriptions",
			Help: "Currently open realtime chat subscriptions.",
		},
	)

	// RPCCalls counts procedure invocations by name and outcome kind
	// ("ok" or an error kind).
	RPCCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_calls_total",
			Help: "Procedure calls, by name and outcome.",
		},
		[]string{"procedure", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(MessagesSent, SendRollbacks, RealtimeSubscriptions, RPCCalls)
}
