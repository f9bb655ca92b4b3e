// Package pdu implements the framed protocol data units exchanged with
// DDFI engine control modules over their serial diagnostic link.
//
// Wire layout (byte offsets):
//
//	[0]            SOH start-of-header marker
//	[1]            target address
//	[2]            source address
//	[3]            payload length (0-255)
//	[4]            EOH end-of-header marker
//	[5]            SOT start-of-text marker
//	[6 .. 6+len)   payload (first byte is the command on requests, the
//	               ACK/error indicator on responses; last byte is EOT)
//	[6+len]        XOR checksum over all preceding bytes
//
// A frame is only accepted if the three markers sit at their fixed
// offsets and the declared length matches the bytes on the wire. No
// payload semantics are interpreted at this layer.
package pdu

import (
	"errors"
	"fmt"
)

// Frame marker and control bytes.
const (
	SOH byte = 0x01
	SOT byte = 0x02
	EOT byte = 0x03
	ACK byte = 0x06
	EOH byte = 0xFF
)

// Bus addresses. The diagnostic tool always talks to the ECM.
const (
	AddrTool byte = 0x00
	AddrECM  byte = 0x42
)

// Request command bytes (first payload byte).
const (
	CmdVersion byte = 0x56 // 'V', EEPROM version string
	CmdState   byte = 0x53 // 'S', busy/idle state
	CmdRuntime byte = 0x43 // 'C', runtime data snapshot
	CmdRead    byte = 0x52 // 'R', EEPROM read (page, offset, count)
	CmdTest    byte = 0x54 // 'T', actuator test function
)

// Minimum frame size: 6 header bytes + empty payload + checksum.
const headerLen = 6

// Framing errors.
var (
	ErrInvalidHeader = errors.New("pdu: invalid header")
	ErrTruncated     = errors.New("pdu: truncated frame")
	ErrChecksum      = errors.New("pdu: checksum mismatch")
)

// Function identifies an actuator test the ECM can run on request.
type Function byte

const (
	FuelPump Function = iota + 1
	Fan
	FrontCoil
	RearCoil
	FrontInjector
	RearInjector
	Tachometer
	CheckEngineLamp
	ExhaustValve
)

var functionNames = map[Function]string{
	FuelPump:        "Fuel Pump",
	Fan:             "Fan",
	FrontCoil:       "Front Coil",
	RearCoil:        "Rear Coil",
	FrontInjector:   "Front Injector",
	RearInjector:    "Rear Injector",
	Tachometer:      "Tachometer",
	CheckEngineLamp: "Check Engine Lamp",
	ExhaustValve:    "Exhaust Valve",
}

func (f Function) String() string {
	if s, ok := functionNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Function(%d)", byte(f))
}

// PDU is one complete framed request or response.
type PDU struct {
	Target  byte
	Source  byte
	payload []byte
}

// New builds a PDU from addressing bytes and a payload. The payload is
// copied; the caller may reuse its buffer.
func New(target, source byte, payload []byte) *PDU {
	p := &PDU{Target: target, Source: source}
	p.payload = append(p.payload, payload...)
	return p
}

// request builds a tool-to-ECM request whose payload is the command byte,
// optional arguments and the EOT terminator.
func request(cmd byte, args ...byte) *PDU {
	payload := make([]byte, 0, len(args)+2)
	payload = append(payload, cmd)
	payload = append(payload, args...)
	payload = append(payload, EOT)
	return New(AddrECM, AddrTool, payload)
}

// GetVersion requests the EEPROM version string.
func GetVersion() *PDU { return request(CmdVersion) }

// GetCurrentState requests the busy/idle state byte.
func GetCurrentState() *PDU { return request(CmdState) }

// GetRuntimeData requests a runtime data snapshot.
func GetRuntimeData() *PDU { return request(CmdRuntime) }

// GetRequest requests count EEPROM bytes from the given page and offset.
func GetRequest(page, offset, count byte) *PDU {
	return request(CmdRead, page, offset, count)
}

// CommandRequest asks the ECM to run an actuator test function.
func CommandRequest(fn Function) *PDU { return request(CmdTest, byte(fn)) }

// Bytes encodes the PDU into its wire representation.
func (p *PDU) Bytes() []byte {
	buf := make([]byte, 0, headerLen+len(p.payload)+1)
	buf = append(buf, SOH, p.Target, p.Source, byte(len(p.payload)), EOH, SOT)
	buf = append(buf, p.payload...)
	buf = append(buf, xor(buf))
	return buf
}

// Parse validates and decodes a complete frame. The buffer must contain
// exactly one frame; markers at offsets 0, 4 and 5 are mandatory and the
// declared payload length must match the bytes supplied.
func Parse(buf []byte) (*PDU, error) {
	if len(buf) < headerLen+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	if buf[0] != SOH || buf[4] != EOH || buf[5] != SOT {
		return nil, fmt.Errorf("%w: % X", ErrInvalidHeader, buf[:headerLen])
	}
	dlen := int(buf[3])
	total := headerLen + dlen + 1
	if len(buf) != total {
		return nil, fmt.Errorf("%w: declared %d payload bytes, frame is %d of %d bytes",
			ErrTruncated, dlen, len(buf), total)
	}
	if sum := xor(buf[:total-1]); sum != buf[total-1] {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksum, buf[total-1], sum)
	}
	return New(buf[1], buf[2], buf[6:6+dlen]), nil
}

// Payload returns the declared-length payload region.
func (p *PDU) Payload() []byte { return p.payload }

// IsACK reports whether the response carries the acknowledge indicator.
func (p *PDU) IsACK() bool {
	return len(p.payload) > 0 && p.payload[0] == ACK
}

// ErrorIndicator returns the module's status byte (the ACK position).
func (p *PDU) ErrorIndicator() byte {
	if len(p.payload) == 0 {
		return 0
	}
	return p.payload[0]
}

// Data returns the payload with the status byte and EOT terminator
// stripped: the EEPROM or runtime bytes a response carries.
func (p *PDU) Data() []byte {
	if len(p.payload) < 2 {
		return nil
	}
	return p.payload[1 : len(p.payload)-1]
}

func (p *PDU) String() string {
	return fmt.Sprintf("PDU{%02X->%02X % X}", p.Source, p.Target, p.payload)
}

func xor(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}
