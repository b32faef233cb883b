package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_gateway_requests_total",
		Help: "Broker requests by kind and final outcome",
	}, []string{"kind", "outcome"})
	metricAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_gateway_attempts_total",
		Help: "Individual order_send attempts including retries",
	}, []string{"kind"})
	metricRetcodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5_gateway_retcodes_total",
		Help: "Trade server return codes seen",
	}, []string{"retcode"})
	metricLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5_gateway_request_seconds",
		Help:    "Wall time of a gateway call including retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(metricRequests, metricAttempts, metricRetcodes, metricLatency)
}

func observeRetcode(code int) {
	metricRetcodes.WithLabelValues(strconv.Itoa(code)).Inc()
}
