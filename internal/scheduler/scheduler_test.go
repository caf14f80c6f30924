package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestAlarmFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := New(func(agentID, alarmID string, fireAt time.Time, payload string) {
		mu.Lock()
		fired = append(fired, alarmID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	s.Schedule("agent-a", "al-1", time.Now().Add(50*time.Millisecond), "ping", Recurrence{})

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "al-1" {
		t.Fatalf("expected exactly one firing of al-1, got %v", fired)
	}
}

func TestCancelBeforeFirePreventsDelivery(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := New(func(agentID, alarmID string, fireAt time.Time, payload string) {
		mu.Lock()
		fired = append(fired, alarmID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	s.Schedule("agent-a", "al-1", time.Now().Add(100*time.Millisecond), "ping", Recurrence{})
	s.Cancel("al-1")

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 0 {
		t.Fatalf("expected no firing after cancel, got %v", fired)
	}
}

func TestRecurringAlarmFiresMultipleTimes(t *testing.T) {
	var mu sync.Mutex
	count := 0

	s := New(func(agentID, alarmID string, fireAt time.Time, payload string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	s.Schedule("agent-a", "al-1", time.Now().Add(30*time.Millisecond), "tick", Recurrence{Period: 40 * time.Millisecond})

	time.Sleep(200 * time.Millisecond)
	s.Cancel("al-1")

	mu.Lock()
	defer mu.Unlock()
	if count < 2 {
		t.Fatalf("expected at least 2 firings of a recurring alarm, got %d", count)
	}
}

func TestReplacingAlarmWithSameIDCancelsOld(t *testing.T) {
	var mu sync.Mutex
	var payloads []string

	s := New(func(agentID, alarmID string, fireAt time.Time, payload string) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	s.Schedule("agent-a", "al-1", time.Now().Add(500*time.Millisecond), "stale", Recurrence{})
	s.Schedule("agent-a", "al-1", time.Now().Add(30*time.Millisecond), "fresh", Recurrence{})

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || payloads[0] != "fresh" {
		t.Fatalf("expected only the fresh alarm to fire, got %v", payloads)
	}
}

func TestParseCronProducesSchedule(t *testing.T) {
	rec, err := ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	next := rec.next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if next.Minute()%5 != 0 {
		t.Fatalf("expected next fire minute to be a multiple of 5, got %v", next)
	}
}
