package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PresenceUpserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nijasafe_presence_upserts_total",
		Help: "Total successful presence upserts",
	})
	TrafficIncrements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_traffic_increments_total",
		Help: "Traffic cell increments by result",
	}, []string{"result"})
	EmergenciesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_emergencies_created_total",
		Help: "Emergency records created",
	}, []string{"type", "severity"})
	EmergencyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_emergency_transitions_total",
		Help: "Emergency status transitions by target status and result",
	}, []string{"status", "result"})
	RespondersAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_responders_added_total",
		Help: "Responders appended to emergencies",
	}, []string{"kind"})
	BroadcastsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_broadcasts_published_total",
		Help: "Events published to the backbone by channel",
	}, []string{"channel"})
	FramesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_frames_delivered_total",
		Help: "Frames queued to local sessions by channel",
	}, []string{"channel"})
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_frames_dropped_total",
		Help: "Frames dropped because a session queue was full",
	}, []string{"channel"})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nijasafe_active_sessions",
		Help: "Sessions connected to this instance",
	})
	NotifyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_notify_authorities_total",
		Help: "Notify-authorities outcomes (ok, fail, dropped)",
	}, []string{"result"})
	NotifyDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nijasafe_notify_authorities_duration_ms",
		Help:    "Notify-authorities call duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	})
	RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nijasafe_realtime_events_total",
		Help: "Inbound realtime events by event name and result",
	}, []string{"event", "result"})
)

func init() {
	prometheus.MustRegister(PresenceUpserts)
	prometheus.MustRegister(TrafficIncrements)
	prometheus.MustRegister(EmergenciesCreated)
	prometheus.MustRegister(EmergencyTransitions)
	prometheus.MustRegister(RespondersAdded)
	prometheus.MustRegister(BroadcastsPublished)
	prometheus.MustRegister(FramesDelivered)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(NotifyResults)
	prometheus.MustRegister(NotifyDurationMs)
	prometheus.MustRegister(RealtimeEvents)
}

// 文档注释：返回 Prometheus 指标处理器，在主入口挂载到 <API_BASE>/metrics
func Handler() http.Handler { return promhttp.Handler() }
