package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAddrs struct {
	mu    sync.Mutex
	addrs []net.Addr
	err   error
}

func (f *fakeAddrs) set(addrs []net.Addr, err error) {
	f.mu.Lock()
	f.addrs, f.err = addrs, err
	f.mu.Unlock()
}

func (f *fakeAddrs) list() ([]net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs, f.err
}

func ipNet(raw string) net.Addr {
	return &net.IPNet{IP: net.ParseIP(raw), Mask: net.CIDRMask(24, 32)}
}

func TestWatcherReportsTransitionsOnce(t *testing.T) {
	source := &fakeAddrs{}
	source.set([]net.Addr{ipNet("127.0.0.1"), ipNet("192.168.1.5")}, nil)

	var lost, available int32
	w := NewWatcher(WatcherOptions{
		Source:      source.list,
		OnLost:      func() { atomic.AddInt32(&lost, 1) },
		OnAvailable: func() { atomic.AddInt32(&available, 1) },
	})

	w.Check()
	if lost != 0 || available != 0 {
		t.Fatalf("no transition expected while up, got lost=%d available=%d", lost, available)
	}

	source.set([]net.Addr{ipNet("127.0.0.1"), &net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}}, nil)
	w.Check()
	w.Check()
	if lost != 1 || w.Up() {
		t.Fatalf("expected one lost transition, got lost=%d up=%v", lost, w.Up())
	}

	source.set(nil, errors.New("netlink unavailable"))
	w.Check()
	if lost != 1 {
		t.Fatalf("source error while down must not report again, got lost=%d", lost)
	}

	source.set([]net.Addr{&net.IPAddr{IP: net.ParseIP("10.0.0.9")}}, nil)
	w.Check()
	if available != 1 || !w.Up() {
		t.Fatalf("expected one available transition, got available=%d up=%v", available, w.Up())
	}
}

func TestWatcherRunPollsUntilCanceled(t *testing.T) {
	source := &fakeAddrs{}
	source.set(nil, nil)

	lost := make(chan struct{}, 1)
	w := NewWatcher(WatcherOptions{
		Interval: 10 * time.Millisecond,
		Source:   source.list,
		OnLost:   func() { lost <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected lost notification from the first sample")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
