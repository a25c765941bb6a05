package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "edunexus build information.",
		},
		[]string{"version", "commit"},
	)
)

// Version and Commit are overridden at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo() {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(Version, Commit).Set(1)
}
