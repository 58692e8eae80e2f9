package syncprim

import (
	"sync"
	"testing"
	"time"

	"github.com/AndreaCadonna/taskpool/internal/atomics"
)

func TestRWLockAllowsConcurrentReaders(t *testing.T) {
	r := atomics.NewRegion(2)
	lock := NewRWLock(r.MustWord(0), r.MustWord(1))

	var active, maxActive int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.RLock()
			defer lock.RUnlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive < 2 {
		t.Fatalf("maxActive = %d, want readers to overlap", maxActive)
	}
}

func TestRWLockExcludesWriter(t *testing.T) {
	r := atomics.NewRegion(2)
	lock := NewRWLock(r.MustWord(0), r.MustWord(1))

	lock.RLock()

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
		lock.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired lock while a reader held it")
	case <-time.After(30 * time.Millisecond):
	}

	lock.RUnlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired lock after reader released")
	}
}

func TestRWLockNewReadersYieldToWaitingWriter(t *testing.T) {
	r := atomics.NewRegion(2)
	lock := NewRWLock(r.MustWord(0), r.MustWord(1))

	lock.RLock()

	writerDone := make(chan struct{})
	go func() {
		lock.Lock()
		time.Sleep(20 * time.Millisecond)
		lock.Unlock()
		close(writerDone)
	}()

	time.Sleep(10 * time.Millisecond) // let the writer start waiting

	readerAcquired := make(chan struct{})
	go func() {
		lock.RLock()
		close(readerAcquired)
		lock.RUnlock()
	}()

	lock.RUnlock() // release the original reader, writer should go next

	select {
	case <-readerAcquired:
		t.Fatal("new reader acquired lock before the waiting writer")
	case <-time.After(10 * time.Millisecond):
	}

	<-writerDone
	<-readerAcquired
}

func TestRWLockRUnlockPanicsWithNoReaders(t *testing.T) {
	r := atomics.NewRegion(2)
	lock := NewRWLock(r.MustWord(0), r.MustWord(1))

	defer func() {
		if recover() == nil {
			t.Fatal("RUnlock() with no readers should panic")
		}
	}()
	lock.RUnlock()
}
