package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubmit_RunsHandlerForRegisteredKind(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	handlers := map[TaskKind]Handler{
		IndexDocument: func(ctx context.Context, task Task) error {
			mu.Lock()
			seen = append(seen, task.Payload.(string))
			mu.Unlock()
			return nil
		},
	}

	pool := NewPool(context.Background(), 2, 16, handlers, zerolog.Nop())
	if err := pool.Submit(Task{Kind: IndexDocument, UserID: "u1", Payload: "doc-1"}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	pool.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "doc-1" {
		t.Errorf("expected handler to run once with doc-1, got %v", seen)
	}
}

func TestSubmit_PreservesPerUserOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	handlers := map[TaskKind]Handler{
		IndexDocument: func(ctx context.Context, task Task) error {
			mu.Lock()
			order = append(order, task.Payload.(int))
			mu.Unlock()
			return nil
		},
	}

	pool := NewPool(context.Background(), 4, 64, handlers, zerolog.Nop())
	for i := 0; i < 10; i++ {
		if err := pool.Submit(Task{Kind: IndexDocument, UserID: "same-user", Payload: i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 processed tasks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order processing for one user, got %v", order)
		}
	}
}

func TestSubmit_ReturnsBackpressureWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	handlers := map[TaskKind]Handler{
		IndexDocument: func(ctx context.Context, task Task) error {
			<-block
			return nil
		},
	}

	pool := NewPool(context.Background(), 1, 1, handlers, zerolog.Nop())
	defer func() { close(block); pool.Shutdown() }()

	if err := pool.Submit(Task{Kind: IndexDocument, UserID: "u1", Payload: 1}); err != nil {
		t.Fatalf("first submit should succeed (consumed by worker): %v", err)
	}
	// Give the worker a moment to dequeue the first task and start blocking.
	time.Sleep(20 * time.Millisecond)

	if err := pool.Submit(Task{Kind: IndexDocument, UserID: "u1", Payload: 2}); err != nil {
		t.Fatalf("second submit should fit the queue capacity of 1: %v", err)
	}
	if err := pool.Submit(Task{Kind: IndexDocument, UserID: "u1", Payload: 3}); err == nil {
		t.Fatal("expected a full queue to return an error")
	}
}
