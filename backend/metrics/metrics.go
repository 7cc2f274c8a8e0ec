package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callroom"

var (
	promRoomCurrent        prometheus.Gauge
	promParticipantCurrent prometheus.Gauge
	promJoinCounter        prometheus.Counter
	promReconnectCounter   *prometheus.CounterVec
	promLeaveCounter       *prometheus.CounterVec
	promRelayCounter       *prometheus.CounterVec
	promProtocolErrors     *prometheus.CounterVec
	promAdmissionRejects   *prometheus.CounterVec

	registerOnce sync.Once
)

func init() {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "total",
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "total",
	})
	promJoinCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "joins_total",
	})
	promReconnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "reconnects_total",
	}, []string{"stage"})
	promLeaveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "leaves_total",
	}, []string{"reason"})
	promRelayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "relayed_total",
	}, []string{"type"})
	promProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "errors_total",
	}, []string{"code"})
	promAdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "rejected_total",
	}, []string{"code"})
}

// Register adds the relay collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			promRoomCurrent,
			promParticipantCurrent,
			promJoinCounter,
			promReconnectCounter,
			promLeaveCounter,
			promRelayCounter,
			promProtocolErrors,
			promAdmissionRejects,
		)
	})
}

func RoomCreated() { promRoomCurrent.Inc() }
func RoomClosed()  { promRoomCurrent.Dec() }

func ParticipantJoined() {
	promParticipantCurrent.Inc()
	promJoinCounter.Inc()
}

func ParticipantLeft(reason string) {
	promParticipantCurrent.Dec()
	promLeaveCounter.WithLabelValues(reason).Inc()
}

func ReconnectStarted()   { promReconnectCounter.WithLabelValues("started").Inc() }
func ReconnectCompleted() { promReconnectCounter.WithLabelValues("completed").Inc() }

func SignalRelayed(kind string) { promRelayCounter.WithLabelValues(kind).Inc() }

func ProtocolError(code string) { promProtocolErrors.WithLabelValues(code).Inc() }

func AdmissionRejected(code string) { promAdmissionRejects.WithLabelValues(code).Inc() }
