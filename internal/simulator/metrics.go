package simulator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	uplinkCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_stack_simulator_uplink_count",
		Help: "The number of published uplink frames.",
	})

	downlinkCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_stack_simulator_downlink_count",
		Help: "The number of received downlink frames.",
	})

	joinCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "device_stack_simulator_join_count",
		Help: "The number of join attempts, partitioned by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(uplinkCounter, downlinkCounter, joinCounter)
}

// serveMetrics exposes the prometheus endpoint.
func serveMetrics(bind string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.WithField("bind", bind).Info("simulator: starting prometheus endpoint")
	go func() {
		if err := http.ListenAndServe(bind, mux); err != nil {
			log.WithError(err).Error("simulator: prometheus endpoint error")
		}
	}()
}
