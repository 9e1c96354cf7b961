package edge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func registerCall(t *testing.T, table *PendingTable, deviceID string, timeout time.Duration) *PendingCall {
	t.Helper()
	call, err := table.Register(NewCall(deviceID, "create_directory", map[string]any{"path": "/home/a"}, timeout))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return call
}

func TestResolveDeliversResult(t *testing.T) {
	table := NewPendingTable()
	call := registerCall(t, table, "d1", time.Second)

	if err := table.Resolve(call.ID, "d1", &ToolResult{CallID: call.ID, Success: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	res, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Success || res.Tool != "create_directory" {
		t.Errorf("unexpected result: %+v", res)
	}
	if table.Len() != 0 {
		t.Errorf("expected empty table, got %d", table.Len())
	}
}

func TestTimeoutThenLateResult(t *testing.T) {
	table := NewPendingTable()
	timeout := 50 * time.Millisecond
	start := time.Now()
	call := registerCall(t, table, "d1", timeout)

	_, err := call.Wait(context.Background())
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < timeout {
		t.Errorf("resolved after %s, before the %s timeout", elapsed, timeout)
	}

	err = table.Resolve(call.ID, "d1", &ToolResult{Success: true})
	if !errors.Is(err, ErrCallNotPending) {
		t.Fatalf("expected ErrCallNotPending for late result, got %v", err)
	}

	stats := table.Stats()
	if stats.TimedOut != 1 || stats.Resolved != 0 || stats.LateResults != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDuplicateResultIsRejected(t *testing.T) {
	table := NewPendingTable()
	call := registerCall(t, table, "d1", time.Second)

	if err := table.Resolve(call.ID, "d1", &ToolResult{Success: true}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := table.Resolve(call.ID, "d1", &ToolResult{Success: false}); !errors.Is(err, ErrCallNotPending) {
		t.Fatalf("expected ErrCallNotPending, got %v", err)
	}
	res, _ := call.Wait(context.Background())
	if !res.Success {
		t.Error("second result must not replace the first")
	}
}

func TestForeignResultLeavesCallPending(t *testing.T) {
	table := NewPendingTable()
	call := registerCall(t, table, "d1", time.Second)

	if err := table.Resolve(call.ID, "d2", &ToolResult{Success: true}); !errors.Is(err, ErrForeignResult) {
		t.Fatalf("expected ErrForeignResult, got %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("foreign result must not consume the call")
	}
	if err := table.Resolve(call.ID, "d1", &ToolResult{Success: true}); err != nil {
		t.Fatalf("Resolve by owner: %v", err)
	}
}

func TestFailSession(t *testing.T) {
	table := NewPendingTable()
	a := NewCall("d1", "x", nil, time.Second)
	a.SessionID = "s1"
	b := NewCall("d1", "x", nil, time.Second)
	b.SessionID = "s2"
	c := NewCall("d2", "x", nil, time.Second)
	c.SessionID = "s3"
	for _, call := range []*PendingCall{a, b, c} {
		if _, err := table.Register(call); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if n := table.FailSession("s1", ErrDeviceDisconnected); n != 1 {
		t.Fatalf("expected 1 call failed for s1, got %d", n)
	}
	if _, err := a.Wait(context.Background()); !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("expected ErrDeviceDisconnected, got %v", err)
	}
	if n := table.FailSession("s1", ErrDeviceDisconnected); n != 0 {
		t.Fatalf("expected s1 to have no calls left, got %d", n)
	}
	if table.Len() != 2 {
		t.Errorf("expected calls on s2 and s3 to remain, got %d pending", table.Len())
	}
}

func TestWaitContextCancelResolvesCall(t *testing.T) {
	table := NewPendingTable()
	call := registerCall(t, table, "d1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := table.Resolve(call.ID, "d1", &ToolResult{Success: true}); !errors.Is(err, ErrCallNotPending) {
		t.Fatalf("expected cancelled call to be resolved, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	table := NewPendingTable()
	call := registerCall(t, table, "d1", time.Second)
	dup := NewCall("d1", "x", nil, time.Second)
	dup.ID = call.ID
	if _, err := table.Register(dup); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
}

func TestExactlyOnceUnderRace(t *testing.T) {
	table := NewPendingTable()
	var settled sync.Map
	table.onSettle = func(call *PendingCall, _ *ToolResult, _ error) {
		if _, loaded := settled.LoadOrStore(call.ID, true); loaded {
			t.Errorf("call %s settled twice", call.ID)
		}
	}

	const n = 200
	for i := 0; i < n; i++ {
		call := NewCall("d1", "create_directory", nil, time.Millisecond)
		call.SessionID = "s1"
		if _, err := table.Register(call); err != nil {
			t.Fatalf("Register: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(3)
		go func() {
			defer wg.Done()
			errs[0] = table.Resolve(call.ID, "d1", &ToolResult{Success: true})
		}()
		go func() {
			defer wg.Done()
			errs[1] = table.Fail(call.ID, ErrDeviceDisconnected)
		}()
		go func() {
			defer wg.Done()
			table.FailSession("s1", ErrDeviceDisconnected)
		}()
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			}
		}
		if winners > 1 {
			t.Fatalf("iteration %d: %d explicit winners", i, winners)
		}
		if _, err := call.Wait(context.Background()); err != nil &&
			!errors.Is(err, ErrTimeout) && !errors.Is(err, ErrDeviceDisconnected) {
			t.Fatalf("iteration %d: unexpected outcome %v", i, err)
		}
	}

	stats := table.Stats()
	if total := stats.Resolved + stats.TimedOut + stats.Failed; total != n {
		t.Fatalf("expected %d settlements, got %d (%+v)", n, total, stats)
	}
	if stats.Pending != 0 {
		t.Errorf("expected no pending calls, got %d", stats.Pending)
	}
}
