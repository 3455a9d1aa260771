package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricepulse"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: false,
	})
}

// Set groups every metric family of the service on one registry.
type Set struct {
	Registry  *prometheus.Registry
	Collector *Collector
	Redis     *RedisMetrics
	HTTP      *HTTPMetrics
	Upstream  *UpstreamMetrics
	DB        *DBMetrics
}

func NewSet() *Set {
	reg := NewRegistry()
	return &Set{
		Registry:  reg,
		Collector: NewCollector(reg),
		Redis:     NewRedisMetrics(reg),
		HTTP:      NewHTTPMetrics(reg),
		Upstream:  NewUpstreamMetrics(reg),
		DB:        NewDBMetrics(reg),
	}
}
