package dict

import (
	"fmt"
	"testing"
)

// tableProvider serves bitsets from a plain map, standing in for the
// registry in decode tests.
type tableProvider struct {
	sets map[string]*BitSet
}

func (p *tableProvider) ScalarRTVariableNames(string) []string   { return nil }
func (p *tableProvider) RTVariable(string, string) *Variable     { return nil }
func (p *tableProvider) EEPROMVariable(string, string) *Variable { return nil }
func (p *tableProvider) BitSet(_, name string) *BitSet           { return p.sets[name] }

func diagProvider() *tableProvider {
	return &tableProvider{sets: map[string]*BitSet{
		"CDiag0": {Name: "CDiag0", Bits: []Bit{
			{Offset: 0, Bit: 7, Code: "11", Remark: "TPS"},
			{Offset: 0, Bit: 3, Code: "23", Remark: "Front coil"},
			{Offset: 0, Bit: 0, Code: "33", Remark: "Rear injector"},
		}},
		"CDiag1": {Name: "CDiag1", Bits: []Bit{
			{Offset: 1, Bit: 4, Code: "52", Remark: "RAM failure"},
		}},
		"HDiag0": {Name: "HDiag0", Bits: []Bit{
			{Offset: 2, Bit: 3, Code: "23", Remark: "Front coil"},
		}},
	}}
}

func TestCollectErrorsSingleBit(t *testing.T) {
	data := []byte{1 << 3, 0x00, 0x00}
	errs := CollectErrors(diagProvider(), "BUEIB310", data, CurrentError)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	e := errs[0]
	if e.Code != "23" || e.Type != CurrentError || e.Description != "Front coil" {
		t.Fatalf("error %+v", e)
	}
}

func TestCollectErrorsOrdering(t *testing.T) {
	// Page order first, then bit-definition order within a page.
	data := []byte{(1 << 7) | (1 << 0), 1 << 4, 0x00}
	errs := CollectErrors(diagProvider(), "BUEIB310", data, CurrentError)
	want := []string{"11", "33", "52"}
	if len(errs) != len(want) {
		t.Fatalf("got %d errors, want %d", len(errs), len(want))
	}
	for i, code := range want {
		if errs[i].Code != code {
			t.Errorf("errs[%d].Code = %s, want %s", i, errs[i].Code, code)
		}
	}
}

func TestCollectErrorsHistoric(t *testing.T) {
	data := []byte{0xFF, 0xFF, 1 << 3}
	errs := CollectErrors(diagProvider(), "BUEIB310", data, HistoricError)
	if len(errs) != 1 || errs[0].Code != "23" || errs[0].Type != HistoricError {
		t.Fatalf("errors %v", errs)
	}
	if errs[0].TypeName != "HISTORIC" {
		t.Fatalf("type name %q", errs[0].TypeName)
	}
}

func TestBitSetPagesStopAtMiss(t *testing.T) {
	pages := BitSetPages(diagProvider(), "BUEIB310", CurrentError)
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	for i, bs := range pages {
		if want := fmt.Sprintf("CDiag%d", i); bs.Name != want {
			t.Errorf("page %d is %s, want %s", i, bs.Name, want)
		}
	}
}

func TestCollectErrorsNilData(t *testing.T) {
	if errs := CollectErrors(diagProvider(), "BUEIB310", nil, CurrentError); len(errs) != 0 {
		t.Fatalf("errors from nil buffer: %v", errs)
	}
}

func TestBitIsSetOutOfRange(t *testing.T) {
	b := Bit{Offset: 9, Bit: 0}
	if b.IsSet([]byte{0xFF}) {
		t.Fatal("out-of-range offset should not report set")
	}
}
