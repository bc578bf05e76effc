package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/protoswitch/internal/logging"
)

const (
	// ServiceType is the mDNS service type servers register under
	ServiceType = "_http._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for discovery
	DefaultScanTimeout = 10 * time.Second

	// serverTag marks TXT records published by protoswitch
	serverTag = "protoswitch"
)

// Info describes the listener being announced.
type Info struct {
	Instance string
	Port     int
	Mode     string
	TLS      bool
	Version  string
}

// TXTRecords returns the TXT records announced for info.
func TXTRecords(info Info) []string {
	tls := "0"
	alpn := ""
	if info.TLS {
		tls = "1"
		alpn = ALPN(info.Mode)
	}

	txt := []string{
		"server=" + serverTag,
		"path=/",
		"mode=" + info.Mode,
		"tls=" + tls,
	}
	if alpn != "" {
		txt = append(txt, "alpn="+alpn)
	}
	if info.Version != "" {
		txt = append(txt, "version="+info.Version)
	}
	return txt
}

// ALPN returns the comma separated protocols a TLS server in mode offers.
func ALPN(mode string) string {
	switch mode {
	case "http1":
		return "http/1.1"
	case "http2":
		return "h2"
	default:
		return "h2,http/1.1"
	}
}

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers info on every multicast interface.
func Advertise(info Info) (*Advertiser, error) {
	if info.Port <= 0 {
		return nil, fmt.Errorf("cannot advertise port %d", info.Port)
	}
	if info.Instance == "" {
		info.Instance = serverTag
	}

	srv, err := zeroconf.Register(info.Instance, ServiceType, ServiceDomain, info.Port, TXTRecords(info), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	logging.Info("Advertising over mDNS",
		zap.String("instance", info.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", info.Port),
	)
	return &Advertiser{server: srv}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	logging.Debug("mDNS advertisement withdrawn")
}

// Scanner handles mDNS discovery of protoswitch servers
type Scanner struct {
	// Timeout is the maximum time to wait for answers
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// Scan browses until the timeout and returns every server that answered.
func (s *Scanner) Scan(ctx context.Context) ([]*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	var (
		mu        sync.Mutex
		instances []*Instance
		seen      = make(map[string]bool)
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			inst := s.parseServiceEntry(entry)
			if inst == nil {
				continue
			}
			mu.Lock()
			if !seen[inst.Name] {
				seen[inst.Name] = true
				instances = append(instances, inst)
			}
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return append([]*Instance(nil), instances...), nil
}

// parseServiceEntry converts a zeroconf service entry to an Instance.
// Returns nil if the entry was not published by protoswitch.
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Instance {
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}
	if metadata["server"] != serverTag {
		return nil
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port <= 0 {
		return nil
	}

	tls, _ := strconv.ParseBool(metadata["tls"])
	return &Instance{
		Name:         entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Mode:         metadata["mode"],
		TLS:          tls,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// ScanForInstances is a convenience function to scan with a custom timeout
func ScanForInstances(timeout time.Duration) ([]*Instance, error) {
	scanner := NewScanner()
	scanner.Timeout = timeout
	return scanner.Scan(context.Background())
}
