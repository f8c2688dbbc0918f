package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// droppedRules counts custom rule definitions discarded because their
// pattern failed to compile. Drops are silent toward the caller, so this is
// the only operator-visible signal of a misconfigured rule.
var droppedRules = promauto.NewCounter(prometheus.CounterOpts{
	Name: "promptgate_custom_rules_dropped_total",
	Help: "Custom detection rules dropped due to invalid patterns.",
})
