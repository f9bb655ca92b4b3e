// Package eeprom models the ECM's persistent configuration memory as a
// paged byte image. One flat backing buffer is owned by the EEPROM;
// pages are (start, length) index ranges into it, assigned by a static
// per-model table rather than derived at runtime.
package eeprom

import (
	"fmt"
	"strings"
)

// Type classifies the ECM generation, which selects the page layout and
// the variable/bitset dictionaries.
type Type int

const (
	DDFI1 Type = iota + 1
	DDFI2
	DDFI3
)

func (t Type) String() string {
	switch t {
	case DDFI1:
		return "DDFI-1"
	case DDFI2:
		return "DDFI-2"
	case DDFI3:
		return "DDFI-3"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Page is one contiguous region of the backing buffer. Page 0 is
// special on the wire: its content sits at the tail of the module's
// 0x00-0xFF addressing space and transfers one byte per request.
type Page struct {
	nr     int
	start  int
	length int
}

func (p Page) Nr() int     { return p.nr }
func (p Page) Start() int  { return p.start }
func (p Page) Length() int { return p.length }

// EEPROM is the in-memory image of one module's configuration memory.
type EEPROM struct {
	id      string
	typ     Type
	version string
	data    []byte
	pages   []Page
}

// layouts maps version-string prefixes to page tables. The first token
// of the version string (e.g. "BUEIB310") identifies the EEPROM; its
// prefix selects the generation and layout.
var layouts = []struct {
	prefix string
	typ    Type
	pages  []int
}{
	{"BUEGB", DDFI1, []int{14, 128, 128, 128, 128}},
	{"BUEWB", DDFI1, []int{14, 128, 128, 128, 128}},
	{"BUEIB", DDFI2, []int{20, 256, 256, 256, 256}},
	{"BUE2D", DDFI2, []int{20, 256, 256, 256, 256}},
	{"BUE3A", DDFI3, []int{16, 256, 256, 256, 256, 256}},
}

// Get resolves the EEPROM image for a module version string such as
// "BUEIB310 12-11-03". The returned image is zero-filled until pages are
// read from the module.
func Get(version string) (*EEPROM, error) {
	fields := strings.Fields(version)
	if len(fields) == 0 {
		return nil, fmt.Errorf("eeprom: empty version string")
	}
	id := fields[0]
	for _, l := range layouts {
		if !strings.HasPrefix(id, l.prefix) {
			continue
		}
		e := &EEPROM{id: id, typ: l.typ, version: version}
		total := 0
		for nr, length := range l.pages {
			e.pages = append(e.pages, Page{nr: nr, start: total, length: length})
			total += length
		}
		e.data = make([]byte, total)
		return e, nil
	}
	return nil, fmt.Errorf("eeprom: unknown ECM version %q", version)
}

func (e *EEPROM) ID() string      { return e.id }
func (e *EEPROM) Type() Type      { return e.typ }
func (e *EEPROM) Version() string { return e.version }

// Bytes exposes the backing buffer. Page reads write into it in place.
func (e *EEPROM) Bytes() []byte { return e.data }

// Pages returns the page table in page-number order.
func (e *EEPROM) Pages() []Page { return e.pages }

// Page returns the page with the given number.
func (e *EEPROM) Page(nr int) (Page, error) {
	if nr < 0 || nr >= len(e.pages) {
		return Page{}, fmt.Errorf("eeprom: no page %d on %s", nr, e.id)
	}
	return e.pages[nr], nil
}
