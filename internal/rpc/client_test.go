//go:build unix

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestClient_LaunchFailure(t *testing.T) {
	c := NewClient("test", LaunchSpec{Command: "/nonexistent/definitely-not-a-binary"})

	err := c.Start(context.Background())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Start() error = %v, want *LaunchError", err)
	}
	if c.State() != StateExited {
		t.Errorf("State() = %v, want exited", c.State())
	}
}

func TestClient_DoubleStart(t *testing.T) {
	c := NewClient("test", LaunchSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Shutdown(shortCtx(t))

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestClient_ProcessExitFailsPending(t *testing.T) {
	c := NewClient("test", LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 0.3; exit 7"},
	}, WithShutdownGrace(time.Second))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const pending = 3
	var wg sync.WaitGroup
	errs := make([]error, pending)
	for i := 0; i < pending; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SendRequest(context.Background(), "test/hang", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var exitErr *ProcessExitedError
		if !errors.As(err, &exitErr) {
			t.Fatalf("request %d error = %v, want *ProcessExitedError", i, err)
		}
		if exitErr.Code != 7 {
			t.Errorf("request %d exit code = %d, want 7", i, exitErr.Code)
		}
	}
	if c.State() != StateExited {
		t.Errorf("State() = %v, want exited", c.State())
	}
}

func TestClient_ExitObserver(t *testing.T) {
	codes := make(chan int, 1)
	c := NewClient("test", LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	}, WithExitObserver(func(code int) { codes <- code }))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case code := <-codes:
		if code != 3 {
			t.Errorf("exit code = %d, want 3", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit observer never fired")
	}
}

func TestClient_ResponseRoundTrip(t *testing.T) {
	// The first request id is always 1, so a canned response correlates.
	body := `{"jsonrpc":"2.0","id":1,"result":{"pong":true}}`
	script := fmt.Sprintf(`printf 'Content-Length: %d\r\n\r\n%s'; sleep 5`, len(body), body)

	c := NewClient("test", LaunchSpec{Command: "/bin/sh", Args: []string{"-c", script}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Shutdown(shortCtx(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.SendRequest(ctx, "test/ping", nil)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if string(result) != `{"pong":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestClient_ShutdownKillsUnresponsiveProcess(t *testing.T) {
	c := NewClient("test", LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 60"},
	},
		WithShutdownGrace(200*time.Millisecond),
		WithShutdownRequestTimeout(100*time.Millisecond),
	)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}

	select {
	case <-c.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process still alive after Shutdown")
	}
	if c.State() != StateExited {
		t.Errorf("State() = %v, want exited", c.State())
	}
}

func TestClient_RequestAfterExit(t *testing.T) {
	c := NewClient("test", LaunchSpec{Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-c.Exited()

	_, err := c.SendRequest(context.Background(), "test/late", nil)
	var exitErr *ProcessExitedError
	if !errors.As(err, &exitErr) {
		t.Fatalf("SendRequest() error = %v, want *ProcessExitedError", err)
	}
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
