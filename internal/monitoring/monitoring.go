// Package monitoring samples remote resource usage through the low-priority
// batch queue and keeps a short history per metric.
package monitoring

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshdash/internal/observer"
)

type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricDisk   Metric = "disk"
)

// Metrics lists the sampled metrics in display order.
var Metrics = []Metric{MetricCPU, MetricMemory, MetricDisk}

// Commands maps each metric to a shell command printing a percentage.
var Commands = map[Metric]string{
	MetricCPU:    `top -bn1 | grep "Cpu(s)" | awk '{print $2 + $4}'`,
	MetricMemory: `free | awk '/Mem:/ {printf "%.1f", $3/$2*100}'`,
	MetricDisk:   `df -P / | awk 'NR==2 {print $5}'`,
}

// HistorySize is the number of samples kept per metric.
const HistorySize = 20

const timeLayout = "15:04:05"

var pollTimeout = 30 * time.Second

// Sample is one reading. Time is wall-clock "15:04:05".
type Sample struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

// Snapshot is a read-only copy of every metric's history, oldest first.
type Snapshot map[Metric][]Sample

// Enqueuer is satisfied by executor.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, command string) (string, error)
}

type Session interface {
	IsConnected() bool
}

type Monitor struct {
	queue    Enqueuer
	session  Session
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	history map[Metric][]Sample
	cron    *cron.Cron

	subs observer.List[Snapshot]
}

// New creates a stopped monitor polling on schedule, a cron expression such as
// "@every 5s".
func New(queue Enqueuer, session Session, schedule string) (*Monitor, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse metrics schedule %q: %w", schedule, err)
	}
	return &Monitor{
		queue:    queue,
		session:  session,
		schedule: schedule,
		now:      time.Now,
		history:  make(map[Metric][]Sample),
	}, nil
}

// Subscribe registers fn for a snapshot after every poll.
func (m *Monitor) Subscribe(fn func(Snapshot)) func() {
	return m.subs.Add(fn)
}

// Start begins scheduled polling. Calling Start twice is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		if err := m.Poll(ctx); err != nil {
			log.Printf("[monitoring] poll: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule metrics poll: %w", err)
	}
	c.Start()
	m.cron = c
	log.Printf("[monitoring] polling %s", m.schedule)
	return nil
}

// Stop halts scheduled polling without waiting for a poll in flight.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Running reports whether scheduled polling is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// Poll samples every metric once. Metrics that fail are skipped; the first
// error is returned after the others have been recorded.
func (m *Monitor) Poll(ctx context.Context) error {
	if !m.session.IsConnected() {
		return nil
	}
	stamp := m.now().Format(timeLayout)

	var g errgroup.Group
	for _, metric := range Metrics {
		metric := metric
		g.Go(func() error {
			out, err := m.queue.Enqueue(ctx, Commands[metric])
			if err != nil {
				return fmt.Errorf("%s: %w", metric, err)
			}
			v, err := ParsePercent(out)
			if err != nil {
				return fmt.Errorf("%s: %w", metric, err)
			}
			m.record(metric, Sample{Time: stamp, Value: v})
			return nil
		})
	}
	err := g.Wait()
	m.subs.Emit(m.Snapshot())
	return err
}

func (m *Monitor) record(metric Metric, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[metric], s)
	if len(h) > HistorySize {
		h = h[len(h)-HistorySize:]
	}
	m.history[metric] = h
}

// Snapshot returns a copy of the current history.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(Snapshot, len(Metrics))
	for _, metric := range Metrics {
		snap[metric] = append([]Sample(nil), m.history[metric]...)
	}
	return snap
}

// Reset drops all history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.history = make(map[Metric][]Sample)
	m.mu.Unlock()
}

// ParsePercent reads a percentage such as "12.5", "37%" or " 80\n" and
// clamps it to [0, 100].
func ParsePercent(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	if s == "" {
		return 0, fmt.Errorf("empty reading")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reading %q: %w", s, err)
	}
	switch {
	case v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	return v, nil
}
