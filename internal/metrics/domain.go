package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call-cycle counters shared by the client components and the matching server.
var (
	QueueLengthUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_length_updates_total",
		Help:      "Queue-depth notifications received by queue clients",
	})

	Matches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_total",
		Help:      "Sessions formed (server) or match notifications accepted (client)",
	}, []string{"side"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Frames rejected for missing required fields",
	}, []string{"frame"})

	WaitingParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "waiting_participants",
		Help:      "Participants currently waiting in the matching queue",
	})

	AdmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_failures_total",
		Help:      "Media session join attempts that failed",
	}, []string{"stage"})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_subscribers",
		Help:      "Remote streams currently subscribed by this client",
	})

	TranscriptSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_segments_total",
		Help:      "Recognizer results by outcome",
	}, []string{"outcome"})

	RecognizerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recognizer_restarts_total",
		Help:      "Recognition engine restarts by reason",
	}, []string{"reason"})

	ReviewsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reviews_submitted_total",
		Help:      "Review submissions accepted by the collaborator",
	})
)
