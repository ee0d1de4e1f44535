package keymutex

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := NewManager()

	const workers = 50
	var active, maxActive, counter int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("acct-1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter++
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("Expected at most 1 concurrent holder, observed %d", maxActive)
	}
	if counter != workers {
		t.Fatalf("Expected %d completed sections, got %d", workers, counter)
	}
}

func TestLockFIFOOrder(t *testing.T) {
	m := NewManager()

	first := m.Lock("acct-1")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	ready := make(chan struct{}, 1)

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		// Stagger arrival so the queue order is deterministic.
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			unlock := m.Lock("acct-1")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			unlock()
		}()
		<-ready
		time.Sleep(5 * time.Millisecond)
	}

	first()
	wg.Wait()

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("Expected FIFO order, got %v", order)
		}
	}
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	m := NewManager()

	unlockA := m.Lock("acct-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("acct-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a different key blocked behind an unrelated holder")
	}
}

func TestEntriesRemovedAfterUse(t *testing.T) {
	m := NewManager()

	if err := m.Do("acct-1", func() error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("Expected empty lock table, got %d entries", got)
	}
}

func TestUnlockIdempotent(t *testing.T) {
	m := NewManager()

	unlock := m.Lock("acct-1")
	unlock()
	unlock() // second release is a no-op

	done := make(chan struct{})
	go func() {
		m.Lock("acct-1")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Key stayed held after release")
	}
}
