// Package dict holds the model-specific data dictionary: typed variable
// definitions, diagnostic bitfields and the lookup service that supplies
// them keyed by ECM identity.
package dict

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Source says which byte buffer a variable is decoded from. It is a
// property of the definition, not a runtime decision.
type Source int

const (
	SourceRuntime Source = iota
	SourceEEPROM
)

// ValueType is the binary interpretation of a variable's byte window.
// Multi-byte values are big-endian on this module.
type ValueType int

const (
	TypeU8 ValueType = iota
	TypeS8
	TypeU16
	TypeS16
	TypeBit
)

func (t ValueType) width() int {
	switch t {
	case TypeU16, TypeS16:
		return 2
	default:
		return 1
	}
}

// Variable is a named, typed, scaled value definition bound to either
// the EEPROM image or the runtime buffer. An instance caches its raw and
// formatted values after RefreshValue; before the first refresh both are
// empty rather than an error.
type Variable struct {
	Name      string
	ECMID     string
	Source    Source
	Offset    int
	Type      ValueType
	Bit       int // bit index for TypeBit
	Scale     float64
	Translate float64
	Format    string // printf verb, e.g. "%.1f"
	Unit      string
	Low       float64
	High      float64

	raw       float64
	formatted string
	refreshed bool
}

// RefreshValue decodes the variable's byte window from data, applies the
// scale/translate formula and caches both results. Refreshing against a
// different buffer replaces the cache. A buffer too short for the window
// clears the cache instead of failing.
func (v *Variable) RefreshValue(data []byte) *Variable {
	if v == nil {
		return nil
	}
	end := v.Offset + v.Type.width()
	if data == nil || v.Offset < 0 || end > len(data) {
		v.raw = 0
		v.formatted = ""
		v.refreshed = false
		return v
	}

	var n float64
	switch v.Type {
	case TypeU8:
		n = float64(data[v.Offset])
	case TypeS8:
		n = float64(int8(data[v.Offset]))
	case TypeU16:
		n = float64(binary.BigEndian.Uint16(data[v.Offset:end]))
	case TypeS16:
		n = float64(int16(binary.BigEndian.Uint16(data[v.Offset:end])))
	case TypeBit:
		n = float64((data[v.Offset] >> uint(v.Bit)) & 1)
	}

	scale := v.Scale
	if scale == 0 {
		scale = 1
	}
	v.raw = n*scale + v.Translate
	v.formatted = v.format(v.raw)
	v.refreshed = true
	return v
}

func (v *Variable) format(val float64) string {
	verb := v.Format
	if verb == "" {
		verb = "%g"
	}
	s := fmt.Sprintf(verb, val)
	if v.Unit != "" {
		s += " " + v.Unit
	}
	return s
}

// RawValue returns the scaled numeric value from the last refresh, or 0
// before any refresh.
func (v *Variable) RawValue() float64 {
	if v == nil || !v.refreshed {
		return 0
	}
	return v.raw
}

// FormattedValue returns the display string from the last refresh, or ""
// before any refresh.
func (v *Variable) FormattedValue() string {
	if v == nil {
		return ""
	}
	return v.formatted
}

// Refreshed reports whether the variable holds a decoded value.
func (v *Variable) Refreshed() bool { return v != nil && v.refreshed }

func (v *Variable) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s=%s", v.Name, strings.TrimSpace(v.formatted))
}
