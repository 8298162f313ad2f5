// Package procnet attributes DNS queries to the local application that
// issued them by scanning the kernel UDP socket tables. Attribution is
// best-effort telemetry for block events; every failure mode collapses
// to the unknown sentinel rather than an error, so it can never gate
// packet processing.
package procnet

import (
	"bufio"
	"encoding/hex"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

const (
	defaultUDPPath  = "/proc/net/udp"
	defaultUDP6Path = "/proc/net/udp6"
)

// LookupFunc maps a numeric uid to a human-readable label.
type LookupFunc func(uid string) (string, error)

// Resolver scans the socket tables on demand. Stateless between calls,
// safe for concurrent use.
type Resolver struct {
	udpPath  string
	udp6Path string
	lookup   LookupFunc
	logger   log.Logger
}

// Options configures a Resolver. Zero values select the live /proc
// tables and os/user lookup.
type Options struct {
	UDPPath  string
	UDP6Path string
	Lookup   LookupFunc
	Logger   log.Logger
}

// New constructs a Resolver.
func New(opts Options) *Resolver {
	if opts.UDPPath == "" {
		opts.UDPPath = defaultUDPPath
	}
	if opts.UDP6Path == "" {
		opts.UDP6Path = defaultUDP6Path
	}
	if opts.Lookup == nil {
		opts.Lookup = lookupUsername
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Resolver{
		udpPath:  opts.UDPPath,
		udp6Path: opts.UDP6Path,
		lookup:   opts.Lookup,
		logger:   opts.Logger,
	}
}

func lookupUsername(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Attribute finds the socket bound to the given local port and address
// and maps its owning uid to a label. Any miss or parse failure returns
// the unknown sentinel.
func (r *Resolver) Attribute(port uint16, ip net.IP) domain.Attribution {
	for _, path := range []string{r.udpPath, r.udp6Path} {
		uid, found := r.scanTable(path, port, ip)
		if !found {
			continue
		}
		label, err := r.lookup(uid)
		if err != nil {
			r.logger.Debug(map[string]any{
				"uid":   uid,
				"error": err.Error(),
			}, "uid lookup failed")
			return domain.Attribution{Label: "uid:" + uid, ID: uid}
		}
		return domain.Attribution{Label: label, ID: uid}
	}
	return domain.UnknownAttribution
}

// scanTable streams one /proc/net table looking for a socket whose local
// port matches and whose local address is either the query source or the
// wildcard.
func (r *Resolver) scanTable(path string, port uint16, ip net.IP) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header row
	for scanner.Scan() {
		sock, ok := parseSocketLine(scanner.Text())
		if !ok || sock.port != port {
			continue
		}
		if sock.ip.IsUnspecified() || sock.ip.Equal(ip) {
			return sock.uid, true
		}
	}
	return "", false
}

type socketEntry struct {
	ip   net.IP
	port uint16
	uid  string
}

// parseSocketLine decodes one row of the kernel's socket table. Columns
// are whitespace-separated; local_address is "HEXIP:HEXPORT" with the
// address in the kernel's word-swapped hex form and uid in column eight.
func parseSocketLine(line string) (socketEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return socketEntry{}, false
	}

	addr, portHex, found := strings.Cut(fields[1], ":")
	if !found {
		return socketEntry{}, false
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return socketEntry{}, false
	}
	ip, ok := parseKernelAddress(addr)
	if !ok {
		return socketEntry{}, false
	}
	if _, err := strconv.ParseUint(fields[7], 10, 32); err != nil {
		return socketEntry{}, false
	}
	return socketEntry{ip: ip, port: uint16(port), uid: fields[7]}, true
}

// parseKernelAddress decodes the hex address column. The kernel emits
// each 32-bit word in host byte order, so bytes reverse within every
// four-byte group.
func parseKernelAddress(s string) (net.IP, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw)%4 != 0 {
		return nil, false
	}
	switch len(raw) {
	case net.IPv4len, net.IPv6len:
	default:
		return nil, false
	}
	ip := make(net.IP, len(raw))
	for group := 0; group < len(raw); group += 4 {
		for i := 0; i < 4; i++ {
			ip[group+i] = raw[group+3-i]
		}
	}
	return ip, true
}
