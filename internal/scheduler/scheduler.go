// Package scheduler drives the cron points: hourly ingestion, the nightly T-1
// sweep, and the report jobs. Jobs share one busy flag; a tick that fires
// while another job is still running is skipped, not queued, so a slow
// upstream can never pile up overlapping runs.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"adpipeline/internal/batch"
	"adpipeline/internal/publish"
)

// Default cron points, in the pipeline's operational zone.
const (
	SpecHourlyIngest   = "5 * * * *"  // five past every hour
	SpecNightlySweep   = "30 0 * * *" // 00:30, re-fetch T-1 after upstream settles
	SpecDailyReport    = "0 9 * * *"  // 09:00
	SpecWeeklyReport   = "0 10 * * 1" // Monday 10:00
	SpecIntradayReport = "0 12,16,20 * * *"
)

// Job is one schedulable unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps the cron runner with the shared busy flag.
type Scheduler struct {
	cron    *cron.Cron
	alarmer publish.Alarmer

	mu      sync.Mutex
	busy    bool
	current string
	lastRun map[string]time.Time
	skips   map[string]int
}

func New(alarmer publish.Alarmer) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(batch.Location)),
		alarmer: alarmer,
		lastRun: map[string]time.Time{},
		skips:   map[string]int{},
	}
}

// Add registers a job at a cron spec.
func (s *Scheduler) Add(spec, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runExclusive(name, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s at %q: %w", name, spec, err)
	}
	return nil
}

// runExclusive claims the busy flag or skips the tick.
func (s *Scheduler) runExclusive(name string, job Job) {
	s.mu.Lock()
	if s.busy {
		s.skips[name]++
		running := s.current
		s.mu.Unlock()
		log.Printf("[scheduler] %s skipped: %s still running", name, running)
		return
	}
	s.busy = true
	s.current = name
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.current = ""
		s.lastRun[name] = time.Now()
		s.mu.Unlock()
	}()

	log.Printf("[scheduler] %s started", name)
	start := time.Now()
	if err := job(context.Background()); err != nil {
		log.Printf("[scheduler] %s failed after %v: %v", name, time.Since(start), err)
		if s.alarmer != nil {
			s.alarmer.Alarm(context.Background(), publish.LevelError,
				fmt.Sprintf("scheduled job %s failed", name), err.Error())
		}
		return
	}
	log.Printf("[scheduler] %s finished in %v", name, time.Since(start))
}

// Start launches the cron loop. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[scheduler] started with %d entries", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// State is the scheduler snapshot the status API serves.
type State struct {
	Busy     bool                 `json:"busy"`
	Current  string               `json:"current,omitempty"`
	LastRun  map[string]time.Time `json:"last_run"`
	Skips    map[string]int       `json:"skips"`
	NextRuns []NextRun            `json:"next_runs"`
}

// NextRun is one upcoming cron firing.
type NextRun struct {
	At time.Time `json:"at"`
}

func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Busy:    s.busy,
		Current: s.current,
		LastRun: make(map[string]time.Time, len(s.lastRun)),
		Skips:   make(map[string]int, len(s.skips)),
	}
	for k, v := range s.lastRun {
		st.LastRun[k] = v
	}
	for k, v := range s.skips {
		st.Skips[k] = v
	}
	for _, e := range s.cron.Entries() {
		st.NextRuns = append(st.NextRuns, NextRun{At: e.Next})
	}
	return st
}
