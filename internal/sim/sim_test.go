package sim

import (
	"testing"

	"github.com/ecmlink/ecmlink/internal/dict"
	"github.com/ecmlink/ecmlink/internal/ecm"
	"github.com/ecmlink/ecmlink/internal/pdu"
	"github.com/ecmlink/ecmlink/internal/transport"
)

func newSim(t *testing.T) *ECM {
	t.Helper()
	e, err := New("BUEIB310 12-11-03")
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestVersionRequest(t *testing.T) {
	e := newSim(t)
	tr := transport.New(e.Stream())

	resp, err := tr.Request(pdu.GetVersion())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := string(resp.Data()); got != "BUEIB310 12-11-03" {
		t.Fatalf("version %q", got)
	}
}

func TestUnknownCommandRefused(t *testing.T) {
	e := newSim(t)
	tr := transport.New(e.Stream())

	_, err := tr.Request(pdu.New(pdu.AddrECM, pdu.AddrTool, []byte{0x7F, pdu.EOT}))
	if err == nil {
		t.Fatal("expected refusal")
	}
}

func TestSessionEndToEnd(t *testing.T) {
	e := newSim(t)
	e.SetDiagnostics([2]byte{1 << 3, 0}, [2]byte{0, 1 << 4})

	reg, err := dict.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := ecm.NewSession(reg)
	if err := s.Connect(e.Stream()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	version, err := s.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version != "BUEIB310 12-11-03" || s.ID() != "BUEIB310" {
		t.Fatalf("version %q, id %q", version, s.ID())
	}

	if busy, err := s.IsBusy(); err != nil || busy {
		t.Fatalf("IsBusy: %v %v", busy, err)
	}

	if err := s.ReadEEPROM(); err != nil {
		t.Fatalf("ReadEEPROM: %v", err)
	}
	if got := s.GetSerialNo(); got != "12345" {
		t.Errorf("serial %q", got)
	}
	if got := s.GetMfgDate(); got != "2012-11-03" {
		t.Errorf("mfg date %q", got)
	}

	if _, err := s.ReadRTData(); err != nil {
		t.Fatalf("ReadRTData: %v", err)
	}
	rpm, err := s.GetRealtimeValue("RPM")
	if err != nil || rpm == nil || !rpm.Refreshed() {
		t.Fatalf("RPM: %v %v", rpm, err)
	}
	if raw := rpm.RawValue(); raw < 500 || raw > 9000 {
		t.Errorf("implausible RPM %v", raw)
	}

	current, err := s.GetErrors(dict.CurrentError)
	if err != nil {
		t.Fatalf("GetErrors(current): %v", err)
	}
	if len(current) != 1 || current[0].Code != "23" {
		t.Fatalf("current errors %v", current)
	}
	historic, err := s.GetErrors(dict.HistoricError)
	if err != nil {
		t.Fatalf("GetErrors(historic): %v", err)
	}
	if len(historic) != 1 || historic[0].Code != "52" {
		t.Fatalf("historic errors %v", historic)
	}

	if err := s.RunTest(pdu.FuelPump); err != nil {
		t.Fatalf("RunTest: %v", err)
	}
}

func TestEEPROMPageZeroRoundTrip(t *testing.T) {
	e := newSim(t)
	reg, err := dict.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := ecm.NewSession(reg)
	if err := s.Connect(e.Stream()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if _, err := s.GetVersion(); err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	page, err := s.EEPROM().Page(0)
	if err != nil {
		t.Fatalf("Page(0): %v", err)
	}
	if err := s.ReadEEPROMPage(page); err != nil {
		t.Fatalf("ReadEEPROMPage: %v", err)
	}

	// The session's copy of page 0 must match the simulator's image.
	got := s.EEPROM().Bytes()[:page.Length()]
	want := e.image.Bytes()[:page.Length()]
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("page 0 byte %d: got 0x%02X, want 0x%02X", i, got[i], want[i])
		}
	}
}

func TestBusyState(t *testing.T) {
	e := newSim(t)
	e.SetBusy(true)

	reg, _ := dict.NewRegistry()
	s := ecm.NewSession(reg)
	if err := s.Connect(e.Stream()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	busy, err := s.IsBusy()
	if err != nil {
		t.Fatalf("IsBusy: %v", err)
	}
	if !busy {
		t.Fatal("simulator should report busy")
	}
}
