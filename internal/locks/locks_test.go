package locks

import (
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()

	r.Acquire("/a", "/b")
	if !r.Held("/a") || !r.Held("/b") {
		t.Fatal("expected both paths held after acquire")
	}
	if r.Len() != 2 {
		t.Errorf("len = %d, want 2", r.Len())
	}

	r.Release("/a")
	if r.Held("/a") {
		t.Error("path still held after release")
	}
	if !r.Held("/b") {
		t.Error("unrelated path released")
	}
}

func TestRefcounting(t *testing.T) {
	r := NewRegistry()

	r.Acquire("/a")
	r.Acquire("/a")
	r.Release("/a")
	if !r.Held("/a") {
		t.Fatal("path released while a reference remains")
	}
	r.Release("/a")
	if r.Held("/a") {
		t.Fatal("path still held after final release")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestReleaseUnheldIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Release("/never-acquired")
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Acquire("/shared")
				r.Held("/shared")
				r.Release("/shared")
			}
		}()
	}
	wg.Wait()
	if r.Held("/shared") {
		t.Error("path still held after balanced acquire/release")
	}
}
