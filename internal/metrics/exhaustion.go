package metrics

import "tokenfeed/logger"

// Exhaustion describes a client that stopped reconnecting.
type Exhaustion struct {
	Client   string
	URL      string
	Reason   string
	Attempts int
	Session  string
}

// ReportExhaustion records a client giving up. The event is logged at error
// level, counted in Prometheus and emitted as a metric so CloudWatch alarms can
// page on it.
func ReportExhaustion(log *logger.Log, e Exhaustion) {
	if log == nil {
		log = logger.GetLogger()
	}

	incrementExhausted(e.Client)

	fields := logger.Fields{
		"client":   e.Client,
		"url":      e.URL,
		"reason":   e.Reason,
		"attempts": e.Attempts,
		"session":  e.Session,
	}
	log.WithComponent("socket").WithFields(fields).Error("real-time updates unavailable: reconnect attempts exhausted")

	EmitMetric(log, "socket", "reconnect_exhausted", 1, "counter", fields)
}
