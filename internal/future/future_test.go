package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveOnce(t *testing.T) {
	f := New[int]()
	if !f.Resolve(1) {
		t.Fatal("first Resolve should succeed")
	}
	if f.Resolve(2) || f.Fail(errors.New("late")) || f.Cancel() {
		t.Fatal("second completion should be ignored")
	}
	v, err := f.Wait(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Wait = %d, %v; want 1, nil", v, err)
	}
}

func TestCancel(t *testing.T) {
	f := New[string]()
	f.Cancel()
	if !f.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait err = %v, want ErrCancelled", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	f := New[int]()
	if _, err := f.WaitTimeout(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitTimeout err = %v, want ErrTimeout", err)
	}
}

func TestThen_Chains(t *testing.T) {
	first := New[int]()
	out := Then(first, func(v int) *Future[string] {
		if v != 7 {
			t.Errorf("Then got %d", v)
		}
		return Resolved("seven")
	})
	first.Resolve(7)

	v, err := out.WaitTimeout(time.Second)
	if err != nil || v != "seven" {
		t.Errorf("Then result = %q, %v", v, err)
	}
}

func TestThen_ShortCircuitsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	called := false
	out := Then(Failed[int](boom), func(int) *Future[int] {
		called = true
		return Resolved(1)
	})
	if _, err := out.WaitTimeout(time.Second); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if called {
		t.Error("continuation ran after failure")
	}
}

func TestWaitAll(t *testing.T) {
	a, b := Resolved(1), New[int]()

	n, err := WaitAll(context.Background(), 20*time.Millisecond, a, b)
	if !errors.Is(err, ErrTimeout) || n != 1 {
		t.Errorf("WaitAll = %d, %v; want 1, ErrTimeout", n, err)
	}

	b.Resolve(2)
	n, err = WaitAll(context.Background(), 0, a, b)
	if err != nil || n != 2 {
		t.Errorf("WaitAll = %d, %v; want 2, nil", n, err)
	}
}
