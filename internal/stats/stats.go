// Package stats counts mail lifecycle events for the lifetime of a server.
package stats

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/pawciobiel/dyson/internal/types"
)

// Runtime information keys.
const (
	KeyStartTime      = "start.time"
	KeyHandledCount   = "mail.handled.count"
	KeyDiscardedCount = "mail.discarded.count"
	KeyIncomingCount  = "mail.incoming.count"
	KeyProcessedCount = "mail.processed.count"
)

// Statistics holds one monotonically increasing counter per event kind.
type Statistics struct {
	logger    *slog.Logger
	startTime time.Time

	handled   atomic.Int64
	discarded atomic.Int64
	cameIn    atomic.Int64
	processed atomic.Int64

	eventsDesc    *prometheus.Desc
	startTimeDesc *prometheus.Desc
}

func New(logger *slog.Logger) *Statistics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Statistics{
		logger:    logger,
		startTime: time.Now(),
		eventsDesc: prometheus.NewDesc(
			"dyson_mail_events_total",
			"Mail lifecycle events since start.",
			[]string{"event"}, nil,
		),
		startTimeDesc: prometheus.NewDesc(
			"dyson_start_time_seconds",
			"Unix time the statistics were created.",
			nil, nil,
		),
	}
}

// Fire counts one event. Unknown events are logged and ignored.
func (s *Statistics) Fire(event types.MailEvent) {
	counter := s.counter(event)
	if counter == nil {
		s.logger.Warn("Unknown mail event", "event", int(event))
		return
	}
	counter.Inc()
	s.logger.Debug("Mail event", "event", event.String())
}

func (s *Statistics) counter(event types.MailEvent) *atomic.Int64 {
	switch event {
	case types.MailHandled:
		return &s.handled
	case types.MailDiscarded:
		return &s.discarded
	case types.MailCameIn:
		return &s.cameIn
	case types.MailProcessed:
		return &s.processed
	}
	return nil
}

// Count returns the current value for event, zero for unknown events.
func (s *Statistics) Count(event types.MailEvent) int64 {
	if counter := s.counter(event); counter != nil {
		return counter.Load()
	}
	return 0
}

func (s *Statistics) StartTime() time.Time {
	return s.startTime
}

// RuntimeInformation snapshots the counters and start time. Counters are
// read independently, so the snapshot carries no cross-counter ordering.
func (s *Statistics) RuntimeInformation() map[string]string {
	return map[string]string{
		KeyStartTime:      s.startTime.Format(time.RFC3339),
		KeyHandledCount:   strconv.FormatInt(s.handled.Load(), 10),
		KeyDiscardedCount: strconv.FormatInt(s.discarded.Load(), 10),
		KeyIncomingCount:  strconv.FormatInt(s.cameIn.Load(), 10),
		KeyProcessedCount: strconv.FormatInt(s.processed.Load(), 10),
	}
}

// Describe implements prometheus.Collector.
func (s *Statistics) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.eventsDesc
	ch <- s.startTimeDesc
}

// Collect implements prometheus.Collector.
func (s *Statistics) Collect(ch chan<- prometheus.Metric) {
	for _, event := range types.MailEvents() {
		ch <- prometheus.MustNewConstMetric(s.eventsDesc, prometheus.CounterValue,
			float64(s.Count(event)), event.String())
	}
	ch <- prometheus.MustNewConstMetric(s.startTimeDesc, prometheus.GaugeValue,
		float64(s.startTime.Unix()))
}
