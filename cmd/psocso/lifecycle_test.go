package main

import "testing"

func TestOnShutdownRunsInOrder(t *testing.T) {
	shutdown.fns = nil
	shutdown.closed = 0

	var order []int
	onShutdown(func() error { order = append(order, 1); return nil })
	onShutdown(func() error { order = append(order, 2); return nil })

	if err := runShutdown(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("shutdown order = %v, want [1 2]", order)
	}
}

func TestOnShutdownAfterRunPanics(t *testing.T) {
	shutdown.fns = nil
	shutdown.closed = 0
	defer func() { shutdown.fns = nil; shutdown.closed = 0 }()

	if err := runShutdown(); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("onShutdown after runShutdown should panic")
		}
	}()
	onShutdown(func() error { return nil })
}
