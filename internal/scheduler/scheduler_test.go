package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunExclusiveSkipsWhileBusy(t *testing.T) {
	s := New(nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runExclusive("slow", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := false
	s.runExclusive("tick", func(context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("tick ran while slow job held the busy flag")
	}

	close(release)
	wg.Wait()

	s.runExclusive("tick", func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("tick did not run after the busy flag cleared")
	}

	st := s.Snapshot()
	if st.Skips["tick"] != 1 {
		t.Errorf("skips = %v, want tick:1", st.Skips)
	}
	if st.Busy {
		t.Error("snapshot still busy")
	}
	if _, ok := st.LastRun["slow"]; !ok {
		t.Errorf("last run missing slow: %v", st.LastRun)
	}
}

type recordAlarmer struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordAlarmer) Alarm(_ context.Context, _, title, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
}

func TestRunExclusiveAlarmsOnFailure(t *testing.T) {
	alarms := &recordAlarmer{}
	s := New(alarms)

	s.runExclusive("broken", func(context.Context) error {
		return errors.New("no upstream")
	})

	if len(alarms.titles) != 1 || alarms.titles[0] != "scheduled job broken failed" {
		t.Errorf("alarms = %v", alarms.titles)
	}
	// A failed run still releases the flag.
	if s.Snapshot().Busy {
		t.Error("busy flag leaked after failure")
	}
}

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(nil)
	if err := s.Add("not a cron spec", "x", func(context.Context) error { return nil }); err == nil {
		t.Error("want error for malformed spec")
	}
	if err := s.Add(SpecHourlyIngest, "ingest", func(context.Context) error { return nil }); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestSnapshotListsNextRuns(t *testing.T) {
	s := New(nil)
	if err := s.Add(SpecDailyReport, "daily", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	st := s.Snapshot()
	if len(st.NextRuns) != 1 {
		t.Fatalf("next runs = %+v", st.NextRuns)
	}
	if !st.NextRuns[0].At.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next run in the past: %v", st.NextRuns[0].At)
	}
}
