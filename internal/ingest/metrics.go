package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "promptgate_events_total",
	Help: "Audit events persisted, labeled by decision.",
}, []string{"decision"})
