package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is how often a Watcher samples interface addresses.
const DefaultWatchInterval = 5 * time.Second

// AddrSource lists the host's interface addresses. net.InterfaceAddrs is
// the default.
type AddrSource func() ([]net.Addr, error)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Interval    time.Duration
	Source      AddrSource
	OnLost      func()
	OnAvailable func()
	Logger      *logrus.Entry
}

// Watcher polls for a usable non-loopback address and reports transitions
// between having one and not. The network is assumed up at start.
type Watcher struct {
	opts WatcherOptions
	log  *logrus.Entry

	mu sync.Mutex
	up bool
}

func NewWatcher(options WatcherOptions) *Watcher {
	if options.Interval <= 0 {
		options.Interval = DefaultWatchInterval
	}
	if options.Source == nil {
		options.Source = net.InterfaceAddrs
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "netwatch")
	}
	return &Watcher{opts: options, log: options.Logger, up: true}
}

// Up reports the last observed state.
func (w *Watcher) Up() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

// Run samples immediately and then every Interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Check()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check samples once and fires OnLost or OnAvailable on a change.
func (w *Watcher) Check() {
	addrs, err := w.opts.Source()
	if err != nil {
		w.log.WithError(err).Debug("List interface addresses failed")
	}
	up := err == nil && hasUsableAddr(addrs)

	w.mu.Lock()
	changed := up != w.up
	w.up = up
	w.mu.Unlock()
	if !changed {
		return
	}

	if up {
		w.log.Info("Network available")
		if w.opts.OnAvailable != nil {
			w.opts.OnAvailable()
		}
		return
	}
	w.log.Warn("Network lost")
	if w.opts.OnLost != nil {
		w.opts.OnLost()
	}
}

func hasUsableAddr(addrs []net.Addr) bool {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}
