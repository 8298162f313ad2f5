package wire

import (
	"encoding/binary"
	"errors"

	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

var ErrBadAddress = errors.New("query carries no usable addresses")

const responseTTL = 64 // hop limit / TTL on packets we originate

// SynthesizeNXDOMAIN returns a negative DNS answer for the query: a copy of
// the query payload with QR=1, RD=1, RA=1, RCODE=3 and zeroed answer,
// authority, and additional counts. Echoing the question section untouched
// keeps it byte-identical to what the client sent.
func SynthesizeNXDOMAIN(q domain.ParsedQuery) []byte {
	resp := append([]byte(nil), q.Payload...)
	resp[2] = 0x81                     // QR=1, opcode=0, RD=1
	resp[3] = 0x83                     // RA=1, RCODE=3 (NXDOMAIN)
	binary.BigEndian.PutUint16(resp[6:8], 0)   // ANCOUNT
	binary.BigEndian.PutUint16(resp[8:10], 0)  // NSCOUNT
	binary.BigEndian.PutUint16(resp[10:12], 0) // ARCOUNT
	return resp
}

// BuildResponsePacket wraps a DNS answer payload in a fresh IP/UDP packet
// addressed back at the querying host: source and destination are swapped
// relative to the query, so the answer appears to originate from the
// virtual DNS server the device routes port 53 traffic to.
func BuildResponsePacket(q domain.ParsedQuery, dnsPayload []byte) ([]byte, error) {
	switch q.Version {
	case 4:
		return buildIPv4Response(q, dnsPayload)
	case 6:
		return buildIPv6Response(q, dnsPayload)
	default:
		return nil, ErrUnsupportedIPVersion
	}
}

func buildIPv4Response(q domain.ParsedQuery, dnsPayload []byte) ([]byte, error) {
	src := q.DstIP.To4()
	dst := q.SrcIP.To4()
	if src == nil || dst == nil {
		return nil, ErrBadAddress
	}

	totalLen := ipv4MinHeaderLen + udpHeaderLen + len(dnsPayload)
	packet := make([]byte, totalLen)

	packet[0] = 0x45 // version 4, IHL 5 words
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[6:8], 0x4000) // DF, no fragmentation
	packet[8] = responseTTL
	packet[9] = protoUDP
	copy(packet[12:16], src)
	copy(packet[16:20], dst)
	// Header checksum covers the header only.
	binary.BigEndian.PutUint16(packet[10:12], Checksum(packet[:ipv4MinHeaderLen]))

	writeUDPHeader(packet[ipv4MinHeaderLen:], q, len(dnsPayload))
	copy(packet[ipv4MinHeaderLen+udpHeaderLen:], dnsPayload)
	// UDP checksum is optional over IPv4 (RFC 768); zero means "not computed".
	return packet, nil
}

func buildIPv6Response(q domain.ParsedQuery, dnsPayload []byte) ([]byte, error) {
	src := q.DstIP.To16()
	dst := q.SrcIP.To16()
	if src == nil || dst == nil {
		return nil, ErrBadAddress
	}

	upperLen := udpHeaderLen + len(dnsPayload)
	packet := make([]byte, ipv6HeaderLen+upperLen)

	packet[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(packet[4:6], uint16(upperLen))
	packet[6] = protoUDP // next header
	packet[7] = responseTTL
	copy(packet[8:24], src)
	copy(packet[24:40], dst)

	udp := packet[ipv6HeaderLen:]
	writeUDPHeader(udp, q, len(dnsPayload))
	copy(udp[udpHeaderLen:], dnsPayload)

	// Mandatory UDP checksum over pseudo-header + UDP header + payload.
	// A computed zero is transmitted as all-ones per RFC 768.
	sum := Checksum(udpPseudoHeader(src, dst, upperLen), udp)
	if sum == 0 {
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(udp[6:8], sum)
	return packet, nil
}

// writeUDPHeader fills an 8-byte UDP header with the query's ports swapped
// and a zero checksum field.
func writeUDPHeader(udp []byte, q domain.ParsedQuery, payloadLen int) {
	binary.BigEndian.PutUint16(udp[0:2], q.DstPort)
	binary.BigEndian.PutUint16(udp[2:4], q.SrcPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:8], 0)
}
