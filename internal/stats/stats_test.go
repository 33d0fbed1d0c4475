package stats

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pawciobiel/dyson/internal/logging"
	"github.com/pawciobiel/dyson/internal/types"
)

func fire(s *Statistics, event types.MailEvent, n int) {
	for range n {
		s.Fire(event)
	}
}

func TestStatistics_RuntimeInformation(t *testing.T) {
	s := New(logging.InitTestLogging())

	fire(s, types.MailHandled, 5)
	fire(s, types.MailDiscarded, 2)
	fire(s, types.MailCameIn, 3)
	fire(s, types.MailProcessed, 3)

	got := s.RuntimeInformation()
	if got[KeyStartTime] == "" {
		t.Error("start time missing from runtime information")
	}
	delete(got, KeyStartTime)

	want := map[string]string{
		KeyHandledCount:   "5",
		KeyDiscardedCount: "2",
		KeyIncomingCount:  "3",
		KeyProcessedCount: "3",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RuntimeInformation mismatch (-want +got):\n%s", diff)
	}
}

func TestStatistics_UnknownEventIgnored(t *testing.T) {
	s := New(nil)
	s.Fire(types.MailEvent(42))

	for _, event := range types.MailEvents() {
		if got := s.Count(event); got != 0 {
			t.Errorf("%s = %d after unknown event, want 0", event, got)
		}
	}
	if got := s.Count(types.MailEvent(42)); got != 0 {
		t.Errorf("unknown event count = %d, want 0", got)
	}
}

func TestStatistics_ConcurrentFire(t *testing.T) {
	s := New(nil)

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			s.Fire(types.MailHandled)
			s.Fire(types.MailCameIn)
		})
	}
	wg.Wait()

	if s.Count(types.MailHandled) != 100 || s.Count(types.MailCameIn) != 100 {
		t.Errorf("lost updates: handled=%d cameIn=%d",
			s.Count(types.MailHandled), s.Count(types.MailCameIn))
	}
}

func TestStatistics_Collector(t *testing.T) {
	s := New(nil)
	fire(s, types.MailHandled, 4)
	fire(s, types.MailProcessed, 1)

	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(s); err != nil {
		t.Fatalf("register collector: %v", err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	got := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "dyson_mail_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}

	want := map[string]float64{
		"MAIL_HANDLED":   4,
		"MAIL_DISCARDED": 0,
		"MAIL_CAME_IN":   0,
		"MAIL_PROCESSED": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("collected counters mismatch (-want +got):\n%s", diff)
	}
}
