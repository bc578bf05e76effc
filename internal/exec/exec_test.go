package exec

import (
	"sync"
	"testing"
)

func TestGoroutineRunsTask(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	Goroutine.Execute(func() {
		defer wg.Done()
		ran = true
	})
	wg.Wait()
	if !ran {
		t.Error("task did not run")
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	calls := 0
	custom := Func(func(fn func()) {
		calls++
		fn()
	})
	OrDefault(custom).Execute(func() {})
	if calls != 1 {
		t.Errorf("custom executor calls = %d, want 1", calls)
	}
}
