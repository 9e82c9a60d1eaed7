package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRound(t *testing.T) {
	if roundOne.final() {
		t.Error("round one is final")
	}
	if roundOne.next() != roundTwo {
		t.Error("round one is not followed by round two")
	}
	if !roundTwo.final() {
		t.Error("round two is not final")
	}

	defer func() {
		if recover() == nil {
			t.Error("next on the final round did not panic")
		}
	}()
	roundTwo.next()
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.lock(ctx, "c1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("entries after release = %d", k.size())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := k.lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_ContextDone(t *testing.T) {
	k := newKeyedMutex()

	unlock, err := k.lock(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock()
	if k.size() != 0 {
		t.Errorf("entries = %d, want 0", k.size())
	}
}
