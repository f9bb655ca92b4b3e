// Package ecm is the orchestration facade over the diagnostic protocol:
// one Session per connection, driving version identification, EEPROM
// page reads, runtime polling and diagnostic decoding.
package ecm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ecmlink/ecmlink/internal/dict"
	"github.com/ecmlink/ecmlink/internal/eeprom"
	"github.com/ecmlink/ecmlink/internal/pdu"
	"github.com/ecmlink/ecmlink/internal/transport"
)

// Well-known EEPROM variable names.
const (
	VarMfgSerial = "KMFG_Serial"
	VarMfgYear   = "KMFG_Year"
	VarMfgDay    = "KMFG_Day"
)

// Precondition errors. Operations on module memory or telemetry need an
// identified module; everything needs an open connection.
var (
	ErrNotConnected  = errors.New("ecm: not connected")
	ErrNotIdentified = errors.New("ecm: module not identified, call GetVersion first")
)

// requester is the transport surface the session drives. Tests exercise
// page-read sequencing through a fake.
type requester interface {
	Request(*pdu.PDU) (*pdu.PDU, error)
}

// Session is a connection to one ECM. Sessions are created per
// connection; there is no shared singleton. State machine:
// Disconnected -> Connected -> (Connected, Identified).
type Session struct {
	provider dict.Provider

	mu        sync.Mutex
	stream    io.ReadWriteCloser
	tr        requester
	eeprom    *eeprom.EEPROM
	version   string
	rtData    []byte
	connected bool
	recording bool
}

// NewSession creates a disconnected session using the given dictionary
// provider.
func NewSession(provider dict.Provider) *Session {
	return &Session{provider: provider}
}

// Connect attaches the session to an already-open bidirectional byte
// stream (a serial port, an RFCOMM socket, a simulator pipe).
func (s *Session) Connect(stream io.ReadWriteCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return errors.New("ecm: already connected")
	}
	s.stream = stream
	s.tr = transport.New(stream)
	s.connected = true
	return nil
}

// Disconnect closes the stream and returns the session to Disconnected.
// It is idempotent; the identity and telemetry caches are dropped
// unconditionally.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.connected && s.stream != nil {
		err = s.stream.Close()
	}
	s.stream = nil
	s.tr = nil
	s.eeprom = nil
	s.version = ""
	s.rtData = nil
	s.connected = false
	return err
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsIdentified reports whether the module identity has been resolved.
func (s *Session) IsIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eeprom != nil
}

// transport returns the live transport or a precondition error.
func (s *Session) transport() (requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.tr == nil {
		return nil, ErrNotConnected
	}
	return s.tr, nil
}

// identity returns the resolved EEPROM image or a precondition error.
func (s *Session) identity() (*eeprom.EEPROM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.eeprom == nil {
		return nil, ErrNotIdentified
	}
	return s.eeprom, nil
}

// GetVersion reads the module's version string (e.g. "BUEIB310
// 12-11-03") and resolves its identity, binding the page table and
// dictionaries for the rest of the session. An unknown version is
// returned as-is but leaves the session unidentified.
func (s *Session) GetVersion() (string, error) {
	tr, err := s.transport()
	if err != nil {
		return "", err
	}
	resp, err := tr.Request(pdu.GetVersion())
	if err != nil {
		return "", err
	}
	version := string(resp.Data())
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
	e, err := eeprom.Get(version)
	if err != nil {
		log.Printf("[ecm] %v", err)
		return version, nil
	}
	log.Printf("[ecm] identified %s (%s)", e.ID(), e.Type())
	s.mu.Lock()
	s.eeprom = e
	s.mu.Unlock()
	return version, nil
}

// GetCurrentState returns the module's state byte: 0 when idle, any
// other value while busy.
func (s *Session) GetCurrentState() (byte, error) {
	tr, err := s.transport()
	if err != nil {
		return 0, err
	}
	resp, err := tr.Request(pdu.GetCurrentState())
	if err != nil {
		return 0, err
	}
	data := resp.Data()
	if len(data) == 0 {
		return 0, fmt.Errorf("ecm: empty state response")
	}
	return data[0], nil
}

// IsBusy reports whether the module is busy.
func (s *Session) IsBusy() (bool, error) {
	state, err := s.GetCurrentState()
	return state != 0, err
}

// RunTest asks the module to run an actuator test function.
func (s *Session) RunTest(fn pdu.Function) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}
	if _, err := tr.Request(pdu.CommandRequest(fn)); err != nil {
		return fmt.Errorf("ecm: test %s failed: %w", fn, err)
	}
	return nil
}

// ReadEEPROMPage reads one page from the module into its region of the
// EEPROM backing buffer. Non-zero pages transfer up to 16 bytes per
// round-trip at linearly increasing offsets; page 0 transfers exactly
// one byte per request, addressed from the tail of the 0x00-0xFF space.
// Any failed round-trip aborts the page; the caller retries the whole
// page.
func (s *Session) ReadEEPROMPage(page eeprom.Page) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}
	e, err := s.identity()
	if err != nil {
		return err
	}
	buffer := e.Bytes()
	for i := 0; i < page.Length(); {
		dtr := min(page.Length()-i, 16)
		offset := i
		if page.Nr() == 0 { // page zero is special
			offset = 0xFF - page.Length() + i + 1
			dtr = 1
		}
		resp, err := tr.Request(pdu.GetRequest(byte(page.Nr()), byte(offset), byte(dtr)))
		if err != nil {
			return fmt.Errorf("ecm: reading %d bytes from page %d at offset %d: %w",
				dtr, page.Nr(), offset, err)
		}
		data := resp.Data()
		if len(data) < dtr {
			return fmt.Errorf("ecm: short read from page %d at offset %d: got %d of %d bytes",
				page.Nr(), offset, len(data), dtr)
		}
		copy(buffer[page.Start()+i:page.Start()+i+dtr], data[:dtr])
		i += dtr
	}
	return nil
}

// ReadEEPROM reads every page of the identified module.
func (s *Session) ReadEEPROM() error {
	e, err := s.identity()
	if err != nil {
		return err
	}
	for _, page := range e.Pages() {
		if err := s.ReadEEPROMPage(page); err != nil {
			return err
		}
	}
	return nil
}

// ReadRTData polls one runtime telemetry snapshot. The buffer is
// replaced wholesale; readers holding the previous snapshot keep seeing
// it unchanged.
func (s *Session) ReadRTData() ([]byte, error) {
	tr, err := s.transport()
	if err != nil {
		return nil, err
	}
	resp, err := tr.Request(pdu.GetRuntimeData())
	if err != nil {
		return nil, err
	}
	data := resp.Bytes()
	s.mu.Lock()
	s.rtData = data
	s.mu.Unlock()
	return data, nil
}

// RealtimeData returns the latest runtime snapshot, or nil before the
// first poll.
func (s *Session) RealtimeData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtData
}

// SetRealtimeData injects a snapshot, e.g. when replaying a recording.
func (s *Session) SetRealtimeData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtData = data
}

// GetErrors decodes the current or historic diagnostic flags from the
// runtime buffer, polling one snapshot first if none is cached.
func (s *Session) GetErrors(typ dict.ErrorType) ([]dict.Error, error) {
	e, err := s.identity()
	if err != nil {
		return nil, err
	}
	data := s.RealtimeData()
	if data == nil {
		if data, err = s.ReadRTData(); err != nil {
			return nil, err
		}
	}
	return dict.CollectErrors(s.provider, e.ID(), data, typ), nil
}

// GetRealtimeValue returns the named runtime variable refreshed against
// the latest snapshot, or nil when the dictionary has no such variable.
func (s *Session) GetRealtimeValue(name string) (*dict.Variable, error) {
	e, err := s.identity()
	if err != nil {
		return nil, err
	}
	v := s.provider.RTVariable(e.ID(), name)
	if v == nil {
		return nil, nil
	}
	if data := s.RealtimeData(); data != nil {
		v.RefreshValue(data)
	}
	return v, nil
}

// GetEEPROMValue returns the named EEPROM variable refreshed against the
// backing buffer, or nil when the dictionary has no such variable.
func (s *Session) GetEEPROMValue(name string) (*dict.Variable, error) {
	e, err := s.identity()
	if err != nil {
		return nil, err
	}
	v := s.provider.EEPROMVariable(e.ID(), name)
	if v == nil {
		return nil, nil
	}
	v.RefreshValue(e.Bytes())
	return v, nil
}

// GetFormattedEEPROMValue is GetEEPROMValue with a fallback for missing
// or empty values.
func (s *Session) GetFormattedEEPROMValue(name, fallback string) string {
	v, err := s.GetEEPROMValue(name)
	if err != nil || v == nil {
		return fallback
	}
	if formatted := v.FormattedValue(); formatted != "" {
		return formatted
	}
	return fallback
}

// GetSerialNo returns the module's manufacturing serial number.
func (s *Session) GetSerialNo() string {
	return s.GetFormattedEEPROMValue(VarMfgSerial, "N/A")
}

// GetMfgDate derives the manufacturing date from the year and
// day-of-year counters stored in page 0.
func (s *Session) GetMfgDate() string {
	year, errY := s.GetEEPROMValue(VarMfgYear)
	day, errD := s.GetEEPROMValue(VarMfgDay)
	if errY != nil || errD != nil || year == nil || day == nil ||
		!year.Refreshed() || !day.Refreshed() {
		return "N/A"
	}
	t := time.Date(2000+int(year.RawValue()), time.January, 1, 0, 0, 0, 0, time.UTC)
	t = t.AddDate(0, 0, int(day.RawValue()))
	return t.Format("2006-01-02")
}

// Version returns the raw version string from the last GetVersion, or
// "" before it.
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ScalarVariableNames lists the scalar runtime variables the dictionary
// defines for the identified module.
func (s *Session) ScalarVariableNames() ([]string, error) {
	e, err := s.identity()
	if err != nil {
		return nil, err
	}
	return s.provider.ScalarRTVariableNames(e.ID()), nil
}

// ID returns the resolved module identity, or "" before identification.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eeprom == nil {
		return ""
	}
	return s.eeprom.ID()
}

// EEPROM exposes the resolved image, or nil before identification.
func (s *Session) EEPROM() *eeprom.EEPROM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eeprom
}

func (s *Session) SetRecording(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = on
}

func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}
