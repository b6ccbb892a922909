package pacing

import (
	"sync"
	"testing"
)

func TestMemoryStateInitialValues(t *testing.T) {
	s := NewMemoryState(12.5)
	if r, _ := s.Rate(t.Context()); r != 12.5 {
		t.Fatalf("Rate() = %v, want 12.5", r)
	}
	if last, _ := s.LastIssue(t.Context()); last != NoIssue {
		t.Fatalf("LastIssue() = %d, want %d", last, NoIssue)
	}
}

func TestMemoryStateCompareAndSwapRate(t *testing.T) {
	s := NewMemoryState(20)

	ok, _ := s.CompareAndSwapRate(t.Context(), 10, 40)
	if ok {
		t.Fatal("CAS with stale old value must fail")
	}
	ok, _ = s.CompareAndSwapRate(t.Context(), 20, 40)
	if !ok {
		t.Fatal("CAS with current value must succeed")
	}
	if r, _ := s.Rate(t.Context()); r != 40 {
		t.Fatalf("Rate() = %v, want 40", r)
	}
}

func TestMemoryStateConcurrentReservationsBalance(t *testing.T) {
	s := NewMemoryState(20)
	_ = s.StoreLastIssue(t.Context(), 1000)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AddLastIssue(t.Context(), 50)
			_, _ = s.AddLastIssue(t.Context(), -50)
		}()
	}
	wg.Wait()

	if last, _ := s.LastIssue(t.Context()); last != 1000 {
		t.Fatalf("LastIssue() = %d, want 1000 after balanced reserve/rollback", last)
	}
}

func TestMemoryStateSingleCASWinner(t *testing.T) {
	s := NewMemoryState(20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.CompareAndSwapRate(t.Context(), 20, 40); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}
