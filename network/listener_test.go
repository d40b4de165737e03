package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestListenerAcceptsFramedConnections(t *testing.T) {
	listener, err := Listen("127.0.0.1:0", ListenerOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	dialer := TCPDialer{Resolver: ResolverFunc(func(string) (string, error) {
		return listener.Addr().String(), nil
	})}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := dialer.Dial(ctx, "did:key:z6Mkpeer")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	var server *ConnChannel
	select {
	case server = <-listener.Incoming():
	case <-ctx.Done():
		t.Fatalf("no inbound channel accepted")
	}
	defer server.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := server.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestListenerConnectionRateLimitPerIP(t *testing.T) {
	var limitedCount atomic.Int32

	listener, err := Listen("127.0.0.1:0", ListenerOptions{
		ConnectionRateLimitPerIP:  2,
		ConnectionRateLimitWindow: 250 * time.Millisecond,
		OnInboundConnectionRateLimit: func(string) {
			limitedCount.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	openConns := make([]net.Conn, 0, 4)
	defer func() {
		for _, conn := range openConns {
			_ = conn.Close()
		}
	}()

	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", listener.Addr().String(), 2*time.Second)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		openConns = append(openConns, conn)
	}

	accepted := 0
	timeout := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case ch := <-listener.Incoming():
			accepted++
			defer ch.Close()
		case <-timeout:
			break collect
		}
	}

	if accepted != 2 {
		t.Fatalf("expected 2 accepted connections in window, got %d", accepted)
	}
	if limitedCount.Load() == 0 {
		t.Fatalf("expected connection-rate-limit callback to run at least once")
	}

	time.Sleep(300 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", listener.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	openConns = append(openConns, conn)
	select {
	case ch := <-listener.Incoming():
		defer ch.Close()
	case <-time.After(time.Second):
		t.Fatalf("expected connection after window reset to be accepted")
	}
}

func TestTCPDialerWithoutResolver(t *testing.T) {
	if _, err := (TCPDialer{}).Dial(context.Background(), "peer"); err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
