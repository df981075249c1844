package tinybms

import "github.com/prometheus/client_golang/prometheus"

// Stats is a point-in-time snapshot of the client's running counters.
type Stats struct {
	ReadsOK      uint64
	ReadsFailed  uint64
	WritesOK     uint64
	WritesFailed uint64
	CRCErrors    uint64
	Timeouts     uint64
}

// Metrics mirrors the client counters into prometheus. Optional: a nil
// *Metrics disables the mirror while the Stats snapshot keeps working.
type Metrics struct {
	ReadsOK      prometheus.Counter
	ReadsFailed  prometheus.Counter
	WritesOK     prometheus.Counter
	WritesFailed prometheus.Counter
	CRCErrors    prometheus.Counter
	Timeouts     prometheus.Counter
}

// NewMetrics registers and returns the engine counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_reads_ok_total",
			Help: "Register reads completed successfully.",
		}),
		ReadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_reads_failed_total",
			Help: "Register reads that failed.",
		}),
		WritesOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_writes_ok_total",
			Help: "Register writes acknowledged by the BMS.",
		}),
		WritesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_writes_failed_total",
			Help: "Register writes that failed or were NACKed.",
		}),
		CRCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_crc_errors_total",
			Help: "Frames dropped during stream resynchronization.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinybms_timeouts_total",
			Help: "Operations that expired without a matching response.",
		}),
	}
	reg.MustRegister(m.ReadsOK, m.ReadsFailed, m.WritesOK, m.WritesFailed, m.CRCErrors, m.Timeouts)
	return m
}
