package respcache

import (
	"encoding/binary"
	"time"
)

const dnsHeaderLen = 12

// answerTTL extracts the TTL of the first answer resource record from a
// raw DNS response. It skips the question section (name plus the 4-byte
// type/class), skips the answer owner name, and reads the 4-byte TTL after
// the answer's type and class. Returns false for a zero answer count or
// any malformation; the caller falls back to a default.
func answerTTL(msg []byte) (time.Duration, bool) {
	if len(msg) < dnsHeaderLen {
		return 0, false
	}
	qdcount := int(binary.BigEndian.Uint16(msg[4:6]))
	ancount := int(binary.BigEndian.Uint16(msg[6:8]))
	if ancount == 0 {
		return 0, false
	}

	off := dnsHeaderLen
	for i := 0; i < qdcount; i++ {
		next, ok := skipName(msg, off)
		if !ok || next+4 > len(msg) {
			return 0, false
		}
		off = next + 4 // qtype + qclass
	}

	next, ok := skipName(msg, off)
	if !ok {
		return 0, false
	}
	// type (2) + class (2), then 4 bytes of TTL.
	ttlOff := next + 4
	if ttlOff+4 > len(msg) {
		return 0, false
	}
	ttl := binary.BigEndian.Uint32(msg[ttlOff : ttlOff+4])
	return time.Duration(ttl) * time.Second, true
}

// skipName advances past a wire-format name at off, following neither side
// of a compression pointer: a pointer is two bytes and terminates the name.
func skipName(msg []byte, off int) (int, bool) {
	for {
		if off >= len(msg) {
			return 0, false
		}
		length := int(msg[off])
		if length == 0 {
			return off + 1, true
		}
		if length&0xC0 == 0xC0 {
			if off+2 > len(msg) {
				return 0, false
			}
			return off + 2, true
		}
		off += 1 + length
	}
}
