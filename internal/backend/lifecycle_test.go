package backend

import (
	"context"
	"testing"
	"time"
)

func TestOpenAllEmpty(t *testing.T) {
	m := NewLifecycle(time.Second, 0)
	conns, err := m.OpenAll(context.Background(), nil)
	if err != nil || conns != nil {
		t.Errorf("OpenAll(nil) = (%v, %v)", conns, err)
	}
}

func TestOpenAllSuccess(t *testing.T) {
	a := fakeBackend(t, nil, nil)
	defer a.Close()
	b := fakeBackend(t, nil, nil)
	defer b.Close()

	m := NewLifecycle(time.Second, 0)
	conns, err := m.OpenAll(context.Background(), []Descriptor{
		{Name: "a", URL: a.URL},
		{Name: "b", URL: b.URL},
	})
	if err != nil {
		t.Fatalf("OpenAll failed: %v", err)
	}
	defer m.CloseAll(conns)

	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2", len(conns))
	}
	// Order matches descriptor order.
	if conns[0].Name() != "a" || conns[1].Name() != "b" {
		t.Errorf("connection order = %q, %q", conns[0].Name(), conns[1].Name())
	}
}

func TestOpenAllIsAllOrNothing(t *testing.T) {
	good := fakeBackend(t, nil, nil)
	defer good.Close()

	m := NewLifecycle(500*time.Millisecond, 0)
	conns, err := m.OpenAll(context.Background(), []Descriptor{
		{Name: "good", URL: good.URL},
		{Name: "bad", URL: "http://127.0.0.1:1/rpc"},
	})
	if err == nil {
		t.Fatal("expected error when one backend fails")
	}
	if conns != nil {
		t.Errorf("no connections should be returned on partial failure, got %d", len(conns))
	}
}

func TestCloseAllTolerantOfNilEntries(t *testing.T) {
	server := fakeBackend(t, nil, nil)
	defer server.Close()

	m := NewLifecycle(time.Second, 0)
	conn, err := Dial(context.Background(), Descriptor{Name: "x", URL: server.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.CloseAll([]*Connection{nil, conn, nil}); err != nil {
		t.Errorf("CloseAll returned %v", err)
	}
}

func TestCloseAllSettleOnlyAfterRealTeardown(t *testing.T) {
	m := NewLifecycle(time.Second, 50*time.Millisecond)

	start := time.Now()
	if err := m.CloseAll(nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Errorf("empty teardown paused %v, want no settle delay", elapsed)
	}

	server := fakeBackend(t, nil, nil)
	defer server.Close()
	conn, err := Dial(context.Background(), Descriptor{Name: "x", URL: server.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	start = time.Now()
	if err := m.CloseAll([]*Connection{conn}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("teardown paused only %v, want settle delay", elapsed)
	}
}

func TestNewLifecycleClampsSettle(t *testing.T) {
	m := NewLifecycle(time.Second, time.Minute)
	if m.settle != maxSettleDelay {
		t.Errorf("settle = %v, want clamp to %v", m.settle, maxSettleDelay)
	}
	if NewLifecycle(time.Second, -time.Second).settle != 0 {
		t.Error("negative settle should clamp to zero")
	}
}

func TestOpenAllRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewLifecycle(time.Second, 0)
	_, err := m.OpenAll(ctx, []Descriptor{{Name: "x", URL: "http://127.0.0.1:1/rpc"}})
	if err == nil {
		t.Error("expected error with canceled context")
	}
}
