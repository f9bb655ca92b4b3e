// Package sim simulates a DDFI module on the far end of an in-memory
// byte stream. It speaks the real wire protocol, so everything from the
// framing layer up can run against it unchanged: the CLI's demo mode and
// the integration tests both do.
package sim

import (
	"encoding/binary"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/ecmlink/ecmlink/internal/eeprom"
	"github.com/ecmlink/ecmlink/internal/pdu"
)

// nak is the refusal indicator the simulator reports for requests it
// does not understand.
const nak byte = 0x15

// ECM is a simulated module. Create one with New, talk to it through
// the stream returned by Stream.
type ECM struct {
	mu      sync.Mutex
	version string
	image   *eeprom.EEPROM
	cdiag   [2]byte
	hdiag   [2]byte
	busy    bool
	t       float64 // virtual time accumulator

	hostRead  *io.PipeReader
	hostWrite *io.PipeWriter
	simRead   *io.PipeReader
	simWrite  *io.PipeWriter
}

// hostStream is the caller's end of the duplex pipe.
type hostStream struct {
	*io.PipeReader
	w *io.PipeWriter
}

func (h *hostStream) Write(p []byte) (int, error) { return h.w.Write(p) }

func (h *hostStream) Close() error {
	h.PipeReader.Close()
	return h.w.Close()
}

// New starts a simulated module reporting the given version string. The
// version must resolve to a known EEPROM layout.
func New(version string) (*ECM, error) {
	image, err := eeprom.Get(version)
	if err != nil {
		return nil, err
	}
	e := &ECM{version: version, image: image}
	e.seedImage()

	toSimR, toSimW := io.Pipe()
	fromSimR, fromSimW := io.Pipe()
	e.simRead = toSimR
	e.simWrite = fromSimW
	e.hostRead = fromSimR
	e.hostWrite = toSimW
	go e.serve()
	return e, nil
}

// Stream returns the host's end of the connection.
func (e *ECM) Stream() io.ReadWriteCloser {
	return &hostStream{PipeReader: e.hostRead, w: e.hostWrite}
}

// Close shuts the simulator down; in-flight reads fail.
func (e *ECM) Close() error {
	e.simRead.Close()
	e.simWrite.Close()
	return nil
}

// SetDiagnostics sets the current and historic diagnostic bytes the
// runtime snapshot reports.
func (e *ECM) SetDiagnostics(cdiag, hdiag [2]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cdiag = cdiag
	e.hdiag = hdiag
}

// SetBusy flips the state byte returned to state queries.
func (e *ECM) SetBusy(busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = busy
}

// seedImage fills the EEPROM image with a recognizable pattern plus
// plausible manufacturing data in page 0.
func (e *ECM) seedImage() {
	data := e.image.Bytes()
	for i := range data {
		data[i] = byte(i)
	}
	// Serial 12345, year 12, day counter 307 (2012-11-03).
	binary.BigEndian.PutUint16(data[4:6], 12345)
	data[6] = 12
	binary.BigEndian.PutUint16(data[7:9], 307)
	if len(data) > 27 {
		binary.BigEndian.PutUint16(data[24:26], 1056) // idle RPM
		binary.BigEndian.PutUint16(data[26:28], 7000) // rev limit
	}
}

// serve reads frames off the pipe and answers them until the pipe
// closes.
func (e *ECM) serve() {
	header := make([]byte, 6)
	for {
		if _, err := io.ReadFull(e.simRead, header); err != nil {
			return
		}
		dlen := int(header[3])
		rest := make([]byte, dlen+1)
		if _, err := io.ReadFull(e.simRead, rest); err != nil {
			return
		}
		req, err := pdu.Parse(append(append([]byte(nil), header...), rest...))
		if err != nil {
			log.Printf("[sim] dropping bad frame: %v", err)
			continue
		}
		resp := e.handle(req)
		if _, err := e.simWrite.Write(resp.Bytes()); err != nil {
			return
		}
	}
}

func (e *ECM) handle(req *pdu.PDU) *pdu.PDU {
	payload := req.Payload()
	if len(payload) < 2 {
		return e.refuse()
	}
	args := payload[1 : len(payload)-1]
	switch payload[0] {
	case pdu.CmdVersion:
		return e.respond([]byte(e.version))
	case pdu.CmdState:
		e.mu.Lock()
		busy := e.busy
		e.mu.Unlock()
		if busy {
			return e.respond([]byte{1})
		}
		return e.respond([]byte{0})
	case pdu.CmdRuntime:
		return e.respond(e.runtimeData())
	case pdu.CmdRead:
		if len(args) != 3 {
			return e.refuse()
		}
		data, ok := e.readImage(int(args[0]), int(args[1]), int(args[2]))
		if !ok {
			return e.refuse()
		}
		return e.respond(data)
	case pdu.CmdTest:
		if len(args) != 1 || args[0] == 0 {
			return e.refuse()
		}
		return e.respond(nil)
	}
	return e.refuse()
}

func (e *ECM) respond(data []byte) *pdu.PDU {
	payload := make([]byte, 0, len(data)+2)
	payload = append(payload, pdu.ACK)
	payload = append(payload, data...)
	payload = append(payload, pdu.EOT)
	return pdu.New(pdu.AddrTool, pdu.AddrECM, payload)
}

func (e *ECM) refuse() *pdu.PDU {
	return pdu.New(pdu.AddrTool, pdu.AddrECM, []byte{nak, pdu.EOT})
}

// readImage serves an EEPROM read request, mapping page 0's reversed
// tail addressing back onto the backing buffer.
func (e *ECM) readImage(pageNr, offset, count int) ([]byte, bool) {
	page, err := e.image.Page(pageNr)
	if err != nil {
		return nil, false
	}
	idx := offset
	if pageNr == 0 {
		idx = offset - (0xFF - page.Length() + 1)
	}
	if idx < 0 || count <= 0 || idx+count > page.Length() {
		return nil, false
	}
	buf := e.image.Bytes()
	start := page.Start() + idx
	return buf[start : start+count], true
}

// runtimeData generates a drifting telemetry snapshot in the DDFI-2
// runtime layout (data indexes are frame offsets minus 7).
func (e *ECM) runtimeData() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.t += 0.05

	rpmBase := 1050.0 + 4500.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3)
	rpm := uint16(rpmBase + rand.Float64()*50)
	tps := (float64(rpm) - 1050) / (7000 - 1050) * 100
	if tps < 0 {
		tps = 0
	}
	clt := 85.0 + rand.Float64()*5
	iat := 30.0 + rand.Float64()*6
	vbatt := 13.8 + rand.Float64()*0.4
	pw := 2.0 + tps/100*8

	data := make([]byte, 20)
	binary.BigEndian.PutUint16(data[0:2], rpm)
	data[2] = byte(tps * 2)    // TPS, 0.5% steps
	data[3] = byte(clt + 40)   // CLT
	data[4] = byte(iat + 40)   // IAT
	data[5] = byte(vbatt * 10) // VBatt, 0.1V steps
	data[6] = byte(100)        // AFV
	binary.BigEndian.PutUint16(data[7:9], uint16(pw*10))
	binary.BigEndian.PutUint16(data[9:11], uint16(pw*10*0.95))
	data[11] = byte((12 + tps/100*28) * 2) // advance, 0.5 deg steps
	data[12] = 101                         // baro
	data[13] = e.cdiag[0]
	data[14] = e.cdiag[1]
	data[15] = e.hdiag[0]
	data[16] = e.hdiag[1]
	if clt > 90 {
		data[17] |= 1 // fan
	}
	return data
}
