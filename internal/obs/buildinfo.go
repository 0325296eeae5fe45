package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Gateway build information.",
		},
		[]string{"version", "service"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running service.
func InitBuildInfo(version, service string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, service).Set(1)
}
