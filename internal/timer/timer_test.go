package timer

import (
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	done := make(chan struct{})
	After(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
}

func TestStopPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	task := After(50*time.Millisecond, func() { fired <- struct{}{} })
	task.Stop()

	select {
	case <-fired:
		t.Error("task fired after Stop")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStopIdempotent(t *testing.T) {
	task := After(time.Hour, func() {})
	task.Stop()
	task.Stop() // must not panic or error

	var nilTask *Task
	nilTask.Stop() // nil receiver is a no-op
}

func TestResetExtendsWindow(t *testing.T) {
	fired := make(chan struct{}, 1)
	task := After(40*time.Millisecond, func() { fired <- struct{}{} })

	time.Sleep(20 * time.Millisecond)
	if !task.Reset(40 * time.Millisecond) {
		t.Fatal("Reset returned false on live task")
	}

	select {
	case <-fired:
		t.Error("task fired before extended window elapsed")
	case <-time.After(25 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire after extended window")
	}
}

func TestResetAfterStop(t *testing.T) {
	task := After(time.Hour, func() {})
	task.Stop()
	if task.Reset(time.Millisecond) {
		t.Error("Reset returned true on stopped task")
	}
}
