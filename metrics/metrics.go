package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_lock_acquisitions_total",
		Help: "Total number of successful document lock acquisitions",
	})
	// TimeoutCounter tracks blocking acquisitions that gave up.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_lock_timeouts_total",
		Help: "Total number of blocking lock acquisitions that timed out",
	})
	// CorruptionCounter tracks releases that found the lock state tampered with.
	CorruptionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_lock_corruptions_total",
		Help: "Total number of lock releases that observed corrupted state",
	})
	// FlushCounter tracks buffer flush passes.
	FlushCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_buffer_flushes_total",
		Help: "Total number of buffer flush passes",
	})
	// ConflictCounter tracks buffered entries rejected by an integrity check.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_buffer_conflicts_total",
		Help: "Total number of flush conflicts with externally modified resources",
	})
	// BufferedBytesGauge reports the serialized size of modified buffer entries.
	BufferedBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signac_buffered_bytes",
		Help: "Current serialized size of modified buffered entries",
	})
	// ArrayConversionCounter tracks typed arrays normalized to plain lists.
	ArrayConversionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_array_conversions_total",
		Help: "Total number of typed numeric arrays converted to plain lists",
	})
	// KeyConversionCounter tracks non-string mapping keys converted to strings.
	KeyConversionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signac_key_conversions_total",
		Help: "Total number of mapping keys converted to strings during normalization",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		TimeoutCounter,
		CorruptionCounter,
		FlushCounter,
		ConflictCounter,
		BufferedBytesGauge,
		ArrayConversionCounter,
		KeyConversionCounter,
	)
}
