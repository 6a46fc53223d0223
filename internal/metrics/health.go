package metrics

import (
	"fmt"
	"strings"

	"github.com/heptiolabs/healthcheck"

	"github.com/tracyhatemice/mailbot/internal/scheduler"
)

// NewHealth returns a handler serving /live and /ready. The daemon is ready
// while no instance is degraded.
func NewHealth(status func() []scheduler.Status) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	h.AddReadinessCheck("instances", DegradedCheck(status))
	return h
}

// DegradedCheck fails while any instance skips polls after a permanent
// failure.
func DegradedCheck(status func() []scheduler.Status) healthcheck.Check {
	return func() error {
		var degraded []string
		for _, st := range status() {
			if st.Degraded {
				degraded = append(degraded, st.Name)
			}
		}
		if len(degraded) > 0 {
			return fmt.Errorf("degraded instances: %s", strings.Join(degraded, ", "))
		}
		return nil
	}
}
