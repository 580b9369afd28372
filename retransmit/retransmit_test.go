package retransmit

import (
	"sync"
	"testing"
	"time"
)

func TestStartFiresImmediately(t *testing.T) {
	var mu sync.Mutex
	var sent []int32
	task := Start([]int32{1, 2}, time.Hour, func(dest int32) {
		mu.Lock()
		sent = append(sent, dest)
		mu.Unlock()
	})
	defer task.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("got %d immediate sends, want 2", len(sent))
	}
}

func TestAckStopsRetryingThatDestination(t *testing.T) {
	var mu sync.Mutex
	counts := map[int32]int{}
	task := Start([]int32{1, 2}, 10*time.Millisecond, func(dest int32) {
		mu.Lock()
		counts[dest]++
		mu.Unlock()
	})
	defer task.Stop()

	task.Ack(1)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts[1] != 1 {
		t.Fatalf("acked dest 1 was resent %d times, want exactly the initial 1", counts[1])
	}
	if counts[2] < 2 {
		t.Fatalf("un-acked dest 2 was only sent %d times, want at least 2 (initial + a retry)", counts[2])
	}
}

func TestAckingEveryDestStopsTheTask(t *testing.T) {
	task := Start([]int32{1}, time.Hour, func(int32) {})
	task.Ack(1)

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("acking the only destination should stop the task")
	}
}

func TestStopEndsRetriesEvenWithoutAck(t *testing.T) {
	var mu sync.Mutex
	count := 0
	task := Start([]int32{1}, 10*time.Millisecond, func(int32) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	task.Stop()
	select {
	case <-task.Done():
	default:
		t.Fatal("Done() should be closed immediately after Stop()")
	}

	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != after {
		t.Fatalf("Stop() should prevent further retries, got %d more", count-after)
	}
}

func TestStopDestExcludesWithoutAckingTheRest(t *testing.T) {
	var mu sync.Mutex
	counts := map[int32]int{}
	task := Start([]int32{1, 2}, 10*time.Millisecond, func(dest int32) {
		mu.Lock()
		counts[dest]++
		mu.Unlock()
	})
	defer task.Stop()

	task.StopDest(1)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts[1] != 1 {
		t.Fatalf("counts[1] = %d, want 1 (only the initial send)", counts[1])
	}
	if counts[2] < 2 {
		t.Fatalf("counts[2] = %d, want at least 2", counts[2])
	}
}
