// Package config loads process configuration for the dialog and
// registrar subsystems from command line flags with environment variable
// overrides, following the same precedence the rest of this stack's
// surrounding tooling uses.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the tunables the dialog store and registrar engine need.
// Transport/bind settings are included because the demo binary (cmd/)
// needs them to stand up a real sipgo listener; the subsystems themselves
// only consume the Registrar* and Dialog* fields.
type Config struct {
	// SIP listener settings, used only by cmd/sipcore-demo.
	Port          int
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string
	LogJSON       bool

	// Realm is the registrar realm; it defaults to AdvertiseAddr. Minted
	// GRUUs use the AOR's domain and Path URIs use AdvertiseAddr, not Realm.
	Realm string

	// Registrar (RFC 3261 §10.2.1, RFC 5626, RFC 5627).
	RegistrarDefaultExpires time.Duration
	RegistrarMinExpires     time.Duration
	RegistrarMaxExpires     time.Duration
	SupportsOutbound        bool
	SupportsGRUU            bool

	// Dialog store.
	DialogActiveTTL       time.Duration
	DialogCleanupInterval time.Duration
	DialogAckTimeout      time.Duration
}

// Load populates a Config from flags, then environment variable overrides,
// then fills in an auto-detected AdvertiseAddr if still unset.
func Load() *Config {
	cfg := &Config{
		RegistrarDefaultExpires: 3600 * time.Second,
		RegistrarMinExpires:     60 * time.Second,
		RegistrarMaxExpires:     7200 * time.Second,
		DialogActiveTTL:         4 * time.Hour,
		DialogCleanupInterval:   10 * time.Second,
		DialogAckTimeout:        32 * time.Second, // RFC 3261 Timer B
	}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.LogJSON, "log-json", false, "emit logs as JSON")
	flag.StringVar(&cfg.Realm, "realm", "", "registrar realm (defaults to advertise address)")
	flag.BoolVar(&cfg.SupportsOutbound, "outbound", true, "advertise RFC 5626 outbound support")
	flag.BoolVar(&cfg.SupportsGRUU, "gruu", true, "advertise RFC 5627 GRUU support")

	var defaultExpires, minExpires, maxExpires int
	flag.IntVar(&defaultExpires, "expires-default", 3600, "default registration expiry in seconds")
	flag.IntVar(&minExpires, "expires-min", 60, "minimum accepted registration expiry in seconds")
	flag.IntVar(&maxExpires, "expires-max", 7200, "maximum accepted registration expiry in seconds")

	flag.Parse()

	cfg.RegistrarDefaultExpires = time.Duration(defaultExpires) * time.Second
	cfg.RegistrarMinExpires = time.Duration(minExpires) * time.Second
	cfg.RegistrarMaxExpires = time.Duration(maxExpires) * time.Second

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if cfg.Realm == "" {
		cfg.Realm = cfg.AdvertiseAddr
	}

	return cfg
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary non-loopback interface IPv4 address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
