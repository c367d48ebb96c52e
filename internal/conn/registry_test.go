package conn

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleSupersedes(t *testing.T) {
	r := NewRegistry()
	var first, second int32

	r.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	r.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&first) != 0 {
		t.Fatal("superseded timer must not fire")
	}
	if atomic.LoadInt32(&second) != 1 {
		t.Fatal("replacement timer should fire once")
	}
	if r.Pending("a") {
		t.Fatal("fired timer should clear its slot")
	}
}

func TestCancel(t *testing.T) {
	r := NewRegistry()
	var fired int32
	r.Schedule("a", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	if !r.Cancel("a") {
		t.Fatal("Cancel should report an armed timer")
	}
	if r.Cancel("a") {
		t.Fatal("second Cancel should find nothing")
	}
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer must not fire")
	}
}

func TestCallbackMayReschedule(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	r.Schedule("a", 5*time.Millisecond, func() {
		r.Schedule("a", 5*time.Millisecond, func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled timer never fired")
	}
}

func TestWithLockSerializes(t *testing.T) {
	r := NewRegistry()
	var n int
	doneCh := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			r.WithLock("a", func() { n++ })
			doneCh <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-doneCh
	}
	if n != 50 {
		t.Fatalf("want 50 increments, got %d", n)
	}
}
