package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "therapybook"

var (
	once sync.Once

	bookings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Count of booking attempts by result.",
		},
		[]string{"result"},
	)

	bookingCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_cancelled_total",
			Help:      "Count of cancelled appointments.",
		},
	)

	materialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_materialized_total",
			Help:      "Count of occurrence upserts by kind and outcome.",
		},
		[]string{"kind", "action"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-therapist booking lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookings, bookingCancelled, materialized, lockWait)
	})
}

func IncBooking(result string) {
	bookings.WithLabelValues(result).Inc()
}

func IncBookingCancelled() {
	bookingCancelled.Inc()
}

func AddMaterialized(kind, action string, n int) {
	if n > 0 {
		materialized.WithLabelValues(kind, action).Add(float64(n))
	}
}

func ObserveLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}
