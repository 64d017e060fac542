// Package discovery advertises the control server over mDNS/DNS-SD so that
// other machines on the LAN can find it.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_ome-publisher._tcp"
	DefaultDomain = "local."
)

var (
	ErrAlreadyStarted = errors.New("discovery: already advertising")
	ErrClosed         = errors.New("discovery: advertiser closed")
)

// MDNSServer is a live registration.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory creates registrations. Tests swap in a fake.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type Config struct {
	Instance string
	Port     int
	// TXT holds key=value records, e.g. the API path and auth mode.
	TXT []string
	// Interfaces limits advertisement; nil means all.
	Interfaces []net.Interface

	ServerFactory MDNSServerFactory
	Logger        *slog.Logger
}

type Advertiser struct {
	cfg     Config
	factory MDNSServerFactory
	log     *slog.Logger

	mu     sync.Mutex
	server MDNSServer
	closed bool
}

func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.Instance == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	factory := cfg.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Advertiser{cfg: cfg, factory: factory, log: log}, nil
}

func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	server, err := a.factory.Register(a.cfg.Instance, ServiceType, DefaultDomain, a.cfg.Port, a.cfg.TXT, a.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: mDNS registration failed: %w", err)
	}
	a.server = server
	a.log.Info("mdns advertising", "instance", a.cfg.Instance, "service", ServiceType, "port", a.cfg.Port)
	return nil
}

// Close withdraws the registration. Safe to call more than once.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// PortFromAddr extracts the port from a listener address such as
// "127.0.0.1:8088" or "[::]:8088".
func PortFromAddr(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}
