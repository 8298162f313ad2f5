// Package wire parses raw IPv4/IPv6+UDP+DNS packets read from the tunnel
// device and rebuilds the response packets written back to it. All input is
// untrusted; every parse failure is reported as a typed error the caller
// turns into a silent per-packet drop.
package wire

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"

	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	udpHeaderLen     = 8
	dnsHeaderLen     = 12

	protoUDP = 17
	dnsPort  = 53
)

var (
	ErrPacketTooShort       = errors.New("packet shorter than minimum header size")
	ErrUnsupportedIPVersion = errors.New("IP version is not 4 or 6")
	ErrNotUDP               = errors.New("transport protocol is not UDP")
	ErrNotDNS               = errors.New("destination port is not 53")
	ErrNotAQuery            = errors.New("DNS message is a response, not a query")
	ErrCompressedName       = errors.New("compression pointer in query name")
	ErrMalformedName        = errors.New("malformed query name")
	ErrNameTooLong          = errors.New("query name exceeds 253 bytes")
	ErrEmptyName            = errors.New("empty query name")
)

// ParseQuery dissects one raw network-layer packet into a ParsedQuery.
// The input buffer is never mutated; all returned slices are copies.
func ParseQuery(packet []byte) (domain.ParsedQuery, error) {
	if len(packet) < 1 {
		return domain.ParsedQuery{}, ErrPacketTooShort
	}

	var (
		version      int
		srcIP, dstIP net.IP
		transport    []byte
	)

	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4MinHeaderLen {
			return domain.ParsedQuery{}, ErrPacketTooShort
		}
		ihl := int(packet[0]&0x0F) * 4
		if ihl < ipv4MinHeaderLen || len(packet) < ihl+udpHeaderLen {
			return domain.ParsedQuery{}, ErrPacketTooShort
		}
		if packet[9] != protoUDP {
			return domain.ParsedQuery{}, ErrNotUDP
		}
		version = 4
		srcIP = append(net.IP(nil), packet[12:16]...)
		dstIP = append(net.IP(nil), packet[16:20]...)
		transport = packet[ihl:]
	case 6:
		if len(packet) < ipv6HeaderLen+udpHeaderLen {
			return domain.ParsedQuery{}, ErrPacketTooShort
		}
		// Extension headers are not walked; a query from the stack carries
		// UDP as the immediate next header.
		if packet[6] != protoUDP {
			return domain.ParsedQuery{}, ErrNotUDP
		}
		version = 6
		srcIP = append(net.IP(nil), packet[8:24]...)
		dstIP = append(net.IP(nil), packet[24:40]...)
		transport = packet[ipv6HeaderLen:]
	default:
		return domain.ParsedQuery{}, ErrUnsupportedIPVersion
	}

	srcPort := binary.BigEndian.Uint16(transport[0:2])
	dstPort := binary.BigEndian.Uint16(transport[2:4])
	if dstPort != dnsPort {
		return domain.ParsedQuery{}, ErrNotDNS
	}

	dnsPayload := transport[udpHeaderLen:]
	if len(dnsPayload) < dnsHeaderLen {
		return domain.ParsedQuery{}, ErrPacketTooShort
	}

	// QR bit must be 0: only queries are intercepted.
	if dnsPayload[2]&0x80 != 0 {
		return domain.ParsedQuery{}, ErrNotAQuery
	}

	name, off, err := parseQuestionName(dnsPayload)
	if err != nil {
		return domain.ParsedQuery{}, err
	}
	if off+4 > len(dnsPayload) {
		return domain.ParsedQuery{}, ErrMalformedName
	}
	qtype := binary.BigEndian.Uint16(dnsPayload[off : off+2])

	return domain.ParsedQuery{
		ID:      binary.BigEndian.Uint16(dnsPayload[0:2]),
		Name:    name,
		Type:    domain.RRType(qtype),
		Version: version,
		SrcIP:   srcIP,
		DstIP:   dstIP,
		SrcPort: srcPort,
		DstPort: dstPort,
		Payload: append([]byte(nil), dnsPayload...),
	}, nil
}

// parseQuestionName reads the question name starting at the fixed DNS header
// boundary and returns the dot-joined lowercase name plus the offset just
// past the terminating zero byte.
//
// Compression pointers are valid in responses only; a query built by a stub
// resolver never contains one, so any length byte with the top two bits set
// is rejected outright.
func parseQuestionName(dnsPayload []byte) (string, int, error) {
	var sb strings.Builder
	off := dnsHeaderLen
	for {
		if off >= len(dnsPayload) {
			return "", 0, ErrMalformedName
		}
		length := int(dnsPayload[off])
		if length == 0 {
			off++
			break
		}
		if length&0xC0 != 0 {
			return "", 0, ErrCompressedName
		}
		off++
		if off+length > len(dnsPayload) {
			return "", 0, ErrMalformedName
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.Write(dnsPayload[off : off+length])
		if sb.Len() > domain.MaxDomainLength {
			return "", 0, ErrNameTooLong
		}
		off += length
	}
	if sb.Len() == 0 {
		return "", 0, ErrEmptyName
	}
	return strings.ToLower(sb.String()), off, nil
}
