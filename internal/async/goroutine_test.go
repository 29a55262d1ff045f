package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu   sync.Mutex
	errs []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	Go(logger, "test.panic", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}

	// Recovery runs after fn returns; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		errs := logger.all()
		if len(errs) == 1 {
			if !strings.Contains(errs[0], "test.panic") || !strings.Contains(errs[0], "boom") {
				t.Errorf("expected panic details in log, got %q", errs[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("panic was not logged")
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan int, 1)
	Go(nil, "", func() { done <- 42 })

	select {
	case v := <-done:
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("function never ran")
	}
}
