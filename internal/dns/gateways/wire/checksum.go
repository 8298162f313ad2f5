package wire

import "encoding/binary"

// Checksum computes the RFC 1071 internet checksum over the concatenation
// of the given spans: 16-bit big-endian words summed in ones complement
// with end-around carry, an odd trailing byte padded with a low zero byte,
// and the final sum complemented.
func Checksum(spans ...[]byte) uint16 {
	var sum uint32
	var pending byte
	var havePending bool

	for _, span := range spans {
		for _, b := range span {
			if havePending {
				sum += uint32(pending)<<8 | uint32(b)
				havePending = false
			} else {
				pending = b
				havePending = true
			}
		}
	}
	if havePending {
		sum += uint32(pending) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// udpPseudoHeader builds the IPv6 pseudo-header the UDP checksum covers:
// source address, destination address, 32-bit upper-layer length, three
// zero bytes, and the next-header byte.
func udpPseudoHeader(src, dst []byte, upperLen int) []byte {
	ph := make([]byte, 0, 40)
	ph = append(ph, src...)
	ph = append(ph, dst...)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(upperLen))
	ph = append(ph, l[:]...)
	ph = append(ph, 0, 0, 0, protoUDP)
	return ph
}

// ValidTransportChecksum reports whether a built packet carries a valid
// IPv4 header checksum, or a valid IPv6 UDP checksum, for the version it
// declares. Summing a span that includes its own checksum field yields
// zero after complement when intact.
func ValidTransportChecksum(packet []byte) bool {
	if len(packet) < 1 {
		return false
	}
	switch packet[0] >> 4 {
	case 4:
		ihl := int(packet[0]&0x0F) * 4
		if ihl < ipv4MinHeaderLen || len(packet) < ihl {
			return false
		}
		return Checksum(packet[:ihl]) == 0
	case 6:
		if len(packet) < ipv6HeaderLen+udpHeaderLen {
			return false
		}
		upperLen := len(packet) - ipv6HeaderLen
		ph := udpPseudoHeader(packet[8:24], packet[24:40], upperLen)
		return Checksum(ph, packet[ipv6HeaderLen:]) == 0
	default:
		return false
	}
}
