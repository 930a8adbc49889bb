package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-level Prometheus metrics, registered on the default registry.
var (
	keyClaimRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_key_claim_requests_total",
		Help: "Number of one-time-key claim requests issued.",
	})

	devicesWedged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_devices_wedged_total",
		Help: "Number of devices marked as wedged for session recovery.",
	})

	groupSessionsShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_group_sessions_shared_total",
		Help: "Number of outbound group session share fan-outs started.",
	})

	decryptResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_decrypt_results_total",
		Help: "Room event decryption outcomes by result kind.",
	}, []string{"result"})

	toDeviceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_to_device_events_total",
		Help: "To-device events processed by type.",
	}, []string{"type"})

	unknownRequestAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_unknown_request_acks_total",
		Help: "mark_request_as_sent calls naming a request id the engine does not know.",
	})
)
