package dict

import "testing"

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	v := r.RTVariable("BUEIB310", "RPM")
	if v == nil {
		t.Fatal("RPM lookup miss")
	}
	if v.Type != TypeU16 || v.Offset != 7 || v.Source != SourceRuntime {
		t.Fatalf("RPM definition %+v", v)
	}

	if r.RTVariable("BUEIB310", "NoSuchChannel") != nil {
		t.Error("unknown variable should miss")
	}
	if r.RTVariable("ZZZZZ999", "RPM") != nil {
		t.Error("unknown module should miss")
	}
}

func TestRegistryPrefixMatch(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	// Any BUEIB revision resolves the DDFI-2 dictionary.
	for _, id := range []string{"BUEIB310", "BUEIB101"} {
		if r.BitSet(id, "CDiag0") == nil {
			t.Errorf("%s: CDiag0 lookup miss", id)
		}
	}
	// DDFI-1 modules see their own, single diagnostic page.
	if r.BitSet("BUEGB110", "CDiag1") != nil {
		t.Error("DDFI-1 should not have CDiag1")
	}
}

func TestScalarNamesExcludeBits(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, name := range r.ScalarRTVariableNames("BUEIB310") {
		if name == "Fan_On" {
			t.Fatal("bitfield variable listed as scalar")
		}
	}
	names := r.ScalarRTVariableNames("BUEIB310")
	if len(names) == 0 || names[0] != "RPM" {
		t.Fatalf("names %v", names)
	}
}

func TestRegistryReturnsFreshInstances(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a := r.RTVariable("BUEIB310", "RPM")
	a.RefreshValue([]byte{0, 0, 0, 0, 0, 0, 0, 0x0B, 0xB8})
	b := r.RTVariable("BUEIB310", "RPM")
	if b.Refreshed() {
		t.Fatal("second instance shares cached state with the first")
	}
}

func TestRegistryEEPROMVariable(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v := r.EEPROMVariable("BUEIB310", "KMFG_Serial")
	if v == nil || v.Source != SourceEEPROM {
		t.Fatalf("KMFG_Serial %+v", v)
	}
	buf := make([]byte, 32)
	buf[4], buf[5] = 0x30, 0x39 // 12345
	if got := v.RefreshValue(buf).FormattedValue(); got != "12345" {
		t.Fatalf("formatted %q", got)
	}
}
