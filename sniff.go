package cursorproxy

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// A ClientHello larger than this is not a ClientHello.
const maxClientHelloSize = 16 * 1024

var (
	errNotTLS = errors.New("not a TLS handshake record")
	errNoSNI  = errors.New("no server_name extension in ClientHello")
)

// prefixConn replays already-consumed bytes before reading from the
// underlying connection. Routing has to inspect the ClientHello before
// anything decides whether to terminate TLS, so whichever path wins gets the
// handshake bytes back through this wrapper.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(c net.Conn, prefix []byte) *prefixConn {
	return &prefixConn{Conn: c, prefix: prefix}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// peekClientHello consumes the first TLS record from conn and extracts the
// SNI server name. The consumed bytes are always returned so the caller can
// replay them, including on error: a non-TLS or SNI-less connection can
// still be tunneled if a destination is known some other way.
func peekClientHello(conn net.Conn) (serverName string, consumed []byte, err error) {
	header := make([]byte, 5)
	if _, err = io.ReadFull(conn, header); err != nil {
		return "", header[:0], err
	}
	// Content type 0x16 is Handshake.
	if header[0] != 0x16 {
		return "", header, errNotTLS
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen == 0 || recordLen > maxClientHelloSize {
		return "", header, errNotTLS
	}

	record := make([]byte, recordLen)
	n, err := io.ReadFull(conn, record)
	consumed = append(header, record[:n]...)
	if err != nil {
		return "", consumed, err
	}

	serverName, err = extractSNI(record)
	return serverName, consumed, err
}

// extractSNI walks a Handshake record to the server_name extension.
func extractSNI(record []byte) (string, error) {
	// Handshake type 0x01 is ClientHello; 3-byte message length follows.
	if len(record) < 4 || record[0] != 0x01 {
		return "", errNotTLS
	}
	msgLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
	if len(record) < 4+msgLen {
		return "", errNotTLS
	}
	msg := record[4 : 4+msgLen]

	// legacy_version (2) + random (32).
	pos := 34
	if pos >= len(msg) {
		return "", errNotTLS
	}
	pos += 1 + int(msg[pos]) // session_id
	if pos+2 > len(msg) {
		return "", errNotTLS
	}
	pos += 2 + int(binary.BigEndian.Uint16(msg[pos:pos+2])) // cipher_suites
	if pos >= len(msg) {
		return "", errNotTLS
	}
	pos += 1 + int(msg[pos]) // compression_methods
	if pos+2 > len(msg) {
		return "", errNoSNI
	}
	extLen := int(binary.BigEndian.Uint16(msg[pos : pos+2]))
	pos += 2
	if pos+extLen > len(msg) {
		return "", errNotTLS
	}

	end := pos + extLen
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(msg[pos : pos+2])
		length := int(binary.BigEndian.Uint16(msg[pos+2 : pos+4]))
		pos += 4
		if pos+length > end {
			break
		}
		if extType == 0 { // server_name
			return parseServerNameList(msg[pos : pos+length])
		}
		pos += length
	}
	return "", errNoSNI
}

func parseServerNameList(data []byte) (string, error) {
	if len(data) < 2 {
		return "", errNoSNI
	}
	end := 2 + int(binary.BigEndian.Uint16(data[0:2]))
	if end > len(data) {
		return "", errNoSNI
	}
	pos := 2
	for pos+3 <= end {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > end {
			break
		}
		if nameType == 0 { // host_name
			return string(data[pos : pos+nameLen]), nil
		}
		pos += nameLen
	}
	return "", errNoSNI
}
