package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxTrackedIPs = 1024

// ListenerOptions configures an inbound TCP listener.
type ListenerOptions struct {
	// ConnectionRateLimitPerIP caps accepted connections per remote IP within
	// ConnectionRateLimitWindow. Zero disables the limit.
	ConnectionRateLimitPerIP     int
	ConnectionRateLimitWindow    time.Duration
	OnInboundConnectionRateLimit func(ip string)

	Logger *logrus.Entry
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Listener accepts inbound TCP connections and wraps them as ConnChannels.
// Authentication happens above this layer.
type Listener struct {
	listener net.Listener
	options  ListenerOptions
	log      *logrus.Entry

	limitMu  sync.Mutex
	limiters map[string]*ipLimiter

	incoming chan *ConnChannel
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ListenerOptions) (*Listener, error) {
	if address == "" {
		address = ":0"
	}
	if options.ConnectionRateLimitPerIP > 0 && options.ConnectionRateLimitWindow <= 0 {
		options.ConnectionRateLimitWindow = time.Minute
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "listener")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: listener,
		options:  options,
		log:      options.Logger,
		limiters: make(map[string]*ipLimiter),
		incoming: make(chan *ConnChannel, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Incoming returns accepted channels.
func (l *Listener) Incoming() <-chan *ConnChannel {
	return l.incoming
}

// Errors returns asynchronous accept errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener's channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if !l.allow(ip) {
			l.log.WithField("remote_ip", ip).Debug("Inbound connection rate limited")
			if l.options.OnInboundConnectionRateLimit != nil {
				l.options.OnInboundConnectionRateLimit(ip)
			}
			_ = conn.Close()
			continue
		}

		channel := NewConnChannel(conn)
		select {
		case l.incoming <- channel:
		case <-l.closed:
			_ = channel.Close()
			return
		}
	}
}

func (l *Listener) allow(ip string) bool {
	limit := l.options.ConnectionRateLimitPerIP
	if limit <= 0 || ip == "" {
		return true
	}

	now := time.Now()
	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	if len(l.limiters) >= maxTrackedIPs {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > l.options.ConnectionRateLimitWindow {
				delete(l.limiters, key)
			}
		}
	}

	entry, ok := l.limiters[ip]
	if !ok {
		every := l.options.ConnectionRateLimitWindow / time.Duration(limit)
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), limit)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}
