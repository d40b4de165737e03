// Package discovery advertises the local identity over mDNS and reports
// peers appearing and disappearing on the LAN.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/crypto"
)

const (
	DefaultService         = "_peerlink._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	// DefaultStaleAfter is how long a peer may go unseen before it is
	// reported lost. One missed scan is not a loss.
	DefaultStaleAfter = 30 * time.Second
)

const (
	txtDID         = "did"
	txtVersion     = "version"
	txtFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	// SelfID is the local DID; it is advertised and filtered from scans.
	SelfID        string
	Label         string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.StaleAfter < c.RefreshInterval {
		c.StaleAfter = maxDuration(DefaultStaleAfter, 3*c.RefreshInterval)
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// fingerprintForDID is the key fingerprint advertised alongside a did:key.
func fingerprintForDID(did string) (string, error) {
	publicKey, err := crypto.PublicKeyFromDID(did)
	if err != nil {
		return "", err
	}
	return crypto.KeyFingerprint(publicKey), nil
}

// Advertiser publishes the local identity on the LAN.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the mDNS service record for cfg.SelfID.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("discovery: self id is required")
	}
	if cfg.ListeningPort <= 0 {
		return nil, errors.New("discovery: listening port must be > 0")
	}
	fingerprint, err := fingerprintForDID(cfg.SelfID)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	instance := strings.TrimSpace(cfg.Label)
	if instance == "" {
		instance = cfg.SelfID
	}
	txt := []string{
		txtDID + "=" + cfg.SelfID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtFingerprint + "=" + fingerprint,
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service runs an Advertiser and a Scanner from one config.
type Service struct {
	Advertiser *Advertiser
	Scanner    *Scanner
}

// Start advertises and begins scanning.
func Start(config Config) (*Service, error) {
	advertiser, err := Advertise(config)
	if err != nil {
		return nil, err
	}
	scanner, err := NewScanner(config)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	scanner.Start()
	return &Service{Advertiser: advertiser, Scanner: scanner}, nil
}

// Stop stops scanning, then withdraws the advertisement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Scanner.Stop()
	s.Advertiser.Stop()
}
