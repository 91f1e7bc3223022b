package rpc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc/rpctest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *rpctest.Server, opts ...rpc.Option) *rpc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := rpc.Dial(ctx, srv.URL, testLogger(), opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newRequest(t *testing.T, id uint64, method rpc.Method, params any) *rpc.Request {
	t.Helper()
	req, err := rpc.NewRequest(id, method, params, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestSendAndWait_OutOfOrderResponses(t *testing.T) {
	srv := rpctest.NewServer(t)
	release := make(chan struct{})
	srv.Handle("slow", func(_ *rpctest.Conn, req rpctest.Request) (any, error) {
		<-release
		return map[string]any{"echo": req.ID}, nil
	})
	srv.Handle("fast", func(_ *rpctest.Conn, req rpctest.Request) (any, error) {
		return map[string]any{"echo": req.ID}, nil
	})
	client := dial(t, srv)

	type outcome struct {
		resp *rpc.Response
		err  error
	}
	slowReq := newRequest(t, 1, "slow", map[string]any{})
	slowDone := make(chan outcome, 1)
	go func() {
		resp, err := client.SendAndWait(context.Background(), slowReq)
		slowDone <- outcome{resp, err}
	}()

	// Make sure the slow request is registered and written first.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow request never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fast, err := client.SendAndWait(context.Background(), newRequest(t, 2, "fast", map[string]any{}))
	if err != nil {
		t.Fatalf("fast request: %v", err)
	}
	var fastBody struct{ Echo uint64 }
	if err := fast.Decode(&fastBody); err != nil || fast.ID != 2 || fastBody.Echo != 2 {
		t.Fatalf("fast got wrong response: id=%d body=%+v err=%v", fast.ID, fastBody, err)
	}
	close(release)

	select {
	case got := <-slowDone:
		if got.err != nil {
			t.Fatalf("slow request: %v", got.err)
		}
		var slowBody struct{ Echo uint64 }
		if err := got.resp.Decode(&slowBody); err != nil || got.resp.ID != 1 || slowBody.Echo != 1 {
			t.Fatalf("slow got wrong response: id=%d body=%+v err=%v", got.resp.ID, slowBody, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow request never resolved")
	}
}

func TestSendAndWait_DropsMalformedFrames(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle("ping", func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		srv.Push([]byte(`not json`))
		srv.Push([]byte(`{"res":["seven","ping",{}]}`))
		srv.Push([]byte(`{"res":[99999,"ping",{}]}`))
		return map[string]string{"pong": "ok"}, nil
	})
	client := dial(t, srv)

	resp, err := client.SendAndWait(context.Background(), newRequest(t, client.NextID(), "ping", map[string]any{}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Method != "ping" {
		t.Fatalf("unexpected method %s", resp.Method)
	}
}

func TestSendAndWait_ErrorFrame(t *testing.T) {
	srv := rpctest.NewServer(t)
	client := dial(t, srv)

	_, err := client.SendAndWait(context.Background(), newRequest(t, 5, "does_not_exist", map[string]any{}))
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error, got %v", err)
	}
	if rpcErr.RequestID != 5 || rpcErr.Message != "unsupported method does_not_exist" {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
}

func TestSendAndWait_Timeout(t *testing.T) {
	srv := rpctest.NewServer(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle("hang", func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		<-block
		return nil, nil
	})
	client := dial(t, srv, rpc.WithTimeout(50*time.Millisecond))

	// The per-request timeout applies under a longer outer deadline.
	outer, cancelOuter := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelOuter()
	start := time.Now()
	_, err := client.SendAndWait(outer, newRequest(t, 1, "hang", map[string]any{}))
	if time.Since(start) > 2*time.Second {
		t.Fatalf("request waited for the outer deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The id is free again once the waiter gave up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.SendAndWait(ctx, newRequest(t, 1, "hang", map[string]any{})); errors.Is(err, rpc.ErrDuplicateRequest) {
		t.Fatalf("timed out id was not released")
	}
}

func TestSendAndWait_DuplicateID(t *testing.T) {
	srv := rpctest.NewServer(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle("hang", func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		<-block
		return nil, nil
	})
	client := dial(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newRequest(t, 42, "hang", map[string]any{})
	go func() { _, _ = client.SendAndWait(ctx, first) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err := client.SendAndWait(context.Background(), newRequest(t, 42, "hang", map[string]any{}))
	if !errors.Is(err, rpc.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestSendAndWait_ConnectionLossFailsWaiters(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle("hang", func(_ *rpctest.Conn, _ rpctest.Request) (any, error) {
		srv.CloseClients()
		return nil, nil
	})
	client := dial(t, srv)

	_, err := client.SendAndWait(context.Background(), newRequest(t, 1, "hang", map[string]any{}))
	if !errors.Is(err, rpc.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not marked done")
	}
	if _, err := client.SendAndWait(context.Background(), newRequest(t, 2, "hang", map[string]any{})); !errors.Is(err, rpc.ErrClosed) {
		t.Fatalf("expected ErrClosed after failure, got %v", err)
	}
}

func TestNextID_Monotonic(t *testing.T) {
	srv := rpctest.NewServer(t)
	client := dial(t, srv)

	prev := client.NextID()
	if prev < uint64(time.Now().Add(-time.Minute).UnixMilli()) {
		t.Fatalf("id %d is not clock based", prev)
	}
	for i := 0; i < 1000; i++ {
		next := client.NextID()
		if next <= prev {
			t.Fatalf("ids not increasing: %d after %d", next, prev)
		}
		prev = next
	}
}
