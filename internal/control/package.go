// Package control implements the AgentCore protocol client: an outbound
// framed TCP connection over which AgentCore sends commands and RAPP
// answers with results, kept alive by heartbeats and re-established with
// jittered exponential backoff.
package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Package types. AgentCore initiates the 0x4x requests; RAPP answers with
// a 0x5x response carrying the request's pid. The 0x3x types belong to the
// connection itself.
const (
	TypeHandshake    byte = 0x30
	TypeHandshakeRes byte = 0x31
	TypeHeartbeat    byte = 0x32

	TypePing   byte = 0x40
	TypeRead   byte = 0x41
	TypePush   byte = 0x42
	TypeUpdate byte = 0x43
	TypeLog    byte = 0x44
	TypePause  byte = 0x45
	TypeResume byte = 0x46

	TypeRes      byte = 0x50
	TypeNoAccess byte = 0x51
	TypeNoConn   byte = 0x52
	TypeBusy     byte = 0x53
	TypeErr      byte = 0x54
)

// headerSize is the fixed frame header: uint32 LE payload length, uint16
// LE pid, package type, check bit (type XOR 0xff).
const headerSize = 8

// maxPayload caps a single frame; anything larger is a protocol error and
// tears the connection down.
const maxPayload = 16 << 20

// ProtocolError marks a violation of the wire protocol or handshake; it
// downgrades the connection to a reconnect, never the process.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Package is one decoded frame. Data holds the raw CBOR payload; use
// Decode to unpack it.
type Package struct {
	Type byte
	Pid  uint16
	Data []byte
}

// NewPackage encodes payload as CBOR. A nil payload produces an empty
// frame.
func NewPackage(tp byte, pid uint16, payload any) (Package, error) {
	pkg := Package{Type: tp, Pid: pid}
	if payload == nil {
		return pkg, nil
	}
	data, err := cbor.Marshal(payload)
	if err != nil {
		return Package{}, fmt.Errorf("encode package payload: %w", err)
	}
	pkg.Data = data
	return pkg, nil
}

// Decode unpacks the CBOR payload into v.
func (p Package) Decode(v any) error {
	if len(p.Data) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("package 0x%02x has no payload", p.Type)}
	}
	if err := cbor.Unmarshal(p.Data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("package 0x%02x payload: %v", p.Type, err)}
	}
	return nil
}

// WritePackage frames and writes one package.
func WritePackage(w io.Writer, p Package) error {
	if len(p.Data) > maxPayload {
		return &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds frame limit", len(p.Data))}
	}
	buf := make([]byte, headerSize+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(p.Data)))
	binary.LittleEndian.PutUint16(buf[4:6], p.Pid)
	buf[6] = p.Type
	buf[7] = p.Type ^ 0xff
	copy(buf[headerSize:], p.Data)
	_, err := w.Write(buf)
	return err
}

// ReadPackage reads and validates one frame. A corrupt header or oversized
// payload returns a ProtocolError; the caller must drop the connection
// since the stream position is no longer trustworthy.
func ReadPackage(r io.Reader) (Package, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Package{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	pid := binary.LittleEndian.Uint16(header[4:6])
	tp := header[6]
	if header[7] != tp^0xff {
		return Package{}, &ProtocolError{Reason: fmt.Sprintf("check bit mismatch for type 0x%02x", tp)}
	}
	if length > maxPayload {
		return Package{}, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", length)}
	}
	pkg := Package{Type: tp, Pid: pid}
	if length > 0 {
		pkg.Data = make([]byte, length)
		if _, err := io.ReadFull(r, pkg.Data); err != nil {
			return Package{}, err
		}
	}
	return pkg, nil
}

// handshakeRequest authenticates the appliance and announces its version.
type handshakeRequest struct {
	Token   string `cbor:"token"`
	Version string `cbor:"version"`
	ZoneID  int    `cbor:"zone"`
}

// handshakeResponse is AgentCore's verdict on a handshake.
type handshakeResponse struct {
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"reason,omitempty"`
}

// heartbeat carries liveness plus ambient health readings.
type heartbeat struct {
	SentAt int64          `cbor:"t"`
	Health map[string]any `cbor:"health,omitempty"`
}

// errPayload is the body of a TypeErr response.
type errPayload struct {
	Reason string `cbor:"reason"`
}

// logRequest asks for the log lines of one service container starting at
// an absolute line offset.
type logRequest struct {
	Name  string `cbor:"name"`
	Start int    `cbor:"start"`
}
