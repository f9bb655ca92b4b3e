package dict

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider is the dictionary lookup service the protocol core consumes.
// Lookups are keyed by ECM identity (e.g. "BUEIB310") and name; a miss
// returns nil rather than an error.
type Provider interface {
	// ScalarRTVariableNames lists the scalar (non-bitfield) runtime
	// variable names known for the module, in definition order.
	ScalarRTVariableNames(ecmID string) []string
	// RTVariable returns a fresh runtime variable instance, or nil.
	RTVariable(ecmID, name string) *Variable
	// EEPROMVariable returns a fresh EEPROM variable instance, or nil.
	EEPROMVariable(ecmID, name string) *Variable
	// BitSet returns the named diagnostic bitfield, or nil.
	BitSet(ecmID, name string) *BitSet
}

//go:embed data/*.yaml
var dataFS embed.FS

// yaml shapes for the dictionary files under data/.
type dictFile struct {
	ECM     string       `yaml:"ecm"` // ECM id prefix this dictionary applies to
	Runtime []varSpec    `yaml:"runtime"`
	EEPROM  []varSpec    `yaml:"eeprom"`
	BitSets []bitsetSpec `yaml:"bitsets"`
}

type varSpec struct {
	Name      string  `yaml:"name"`
	Offset    int     `yaml:"offset"`
	Type      string  `yaml:"type"` // u8, s8, u16, s16, bit
	Bit       int     `yaml:"bit"`
	Scale     float64 `yaml:"scale"`
	Translate float64 `yaml:"translate"`
	Format    string  `yaml:"format"`
	Unit      string  `yaml:"unit"`
	Low       float64 `yaml:"low"`
	High      float64 `yaml:"high"`
}

type bitsetSpec struct {
	Name string    `yaml:"name"`
	Bits []bitSpec `yaml:"bits"`
}

type bitSpec struct {
	Offset int    `yaml:"offset"`
	Bit    int    `yaml:"bit"`
	Code   string `yaml:"code"`
	Remark string `yaml:"remark"`
}

// Registry is the Provider backed by the embedded yaml dictionaries.
type Registry struct {
	dicts []*dictFile
}

// NewRegistry parses all embedded dictionary files.
func NewRegistry() (*Registry, error) {
	entries, err := dataFS.ReadDir("data")
	if err != nil {
		return nil, fmt.Errorf("dict: %w", err)
	}
	r := &Registry{}
	for _, entry := range entries {
		raw, err := dataFS.ReadFile("data/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("dict: %w", err)
		}
		var d dictFile
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("dict: parsing %s: %w", entry.Name(), err)
		}
		if d.ECM == "" {
			return nil, fmt.Errorf("dict: %s has no ecm key", entry.Name())
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("dict: %s: %w", entry.Name(), err)
		}
		r.dicts = append(r.dicts, &d)
	}
	return r, nil
}

func (d *dictFile) validate() error {
	for _, specs := range [][]varSpec{d.Runtime, d.EEPROM} {
		for _, v := range specs {
			if v.Name == "" {
				return fmt.Errorf("variable without a name")
			}
			if _, err := parseType(v.Type); err != nil {
				return fmt.Errorf("variable %s: %w", v.Name, err)
			}
		}
	}
	for _, bs := range d.BitSets {
		if bs.Name == "" {
			return fmt.Errorf("bitset without a name")
		}
	}
	return nil
}

func parseType(s string) (ValueType, error) {
	switch s {
	case "", "u8":
		return TypeU8, nil
	case "s8":
		return TypeS8, nil
	case "u16":
		return TypeU16, nil
	case "s16":
		return TypeS16, nil
	case "bit":
		return TypeBit, nil
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

// lookup picks the dictionary whose ECM prefix matches the id; the
// longest matching prefix wins.
func (r *Registry) lookup(ecmID string) *dictFile {
	var best *dictFile
	for _, d := range r.dicts {
		if strings.HasPrefix(ecmID, d.ECM) {
			if best == nil || len(d.ECM) > len(best.ECM) {
				best = d
			}
		}
	}
	return best
}

func (r *Registry) ScalarRTVariableNames(ecmID string) []string {
	d := r.lookup(ecmID)
	if d == nil {
		return nil
	}
	var names []string
	for _, v := range d.Runtime {
		if v.Type != "bit" {
			names = append(names, v.Name)
		}
	}
	return names
}

func (r *Registry) RTVariable(ecmID, name string) *Variable {
	d := r.lookup(ecmID)
	if d == nil {
		return nil
	}
	return newVariable(d.Runtime, ecmID, name, SourceRuntime)
}

func (r *Registry) EEPROMVariable(ecmID, name string) *Variable {
	d := r.lookup(ecmID)
	if d == nil {
		return nil
	}
	return newVariable(d.EEPROM, ecmID, name, SourceEEPROM)
}

func (r *Registry) BitSet(ecmID, name string) *BitSet {
	d := r.lookup(ecmID)
	if d == nil {
		return nil
	}
	for _, bs := range d.BitSets {
		if bs.Name != name {
			continue
		}
		set := &BitSet{Name: bs.Name}
		for _, b := range bs.Bits {
			set.Bits = append(set.Bits, Bit(b))
		}
		return set
	}
	return nil
}

// newVariable materializes a fresh instance so callers can cache decoded
// values without sharing state.
func newVariable(specs []varSpec, ecmID, name string, source Source) *Variable {
	for _, v := range specs {
		if v.Name != name {
			continue
		}
		typ, _ := parseType(v.Type) // validated at load time
		return &Variable{
			Name:      v.Name,
			ECMID:     ecmID,
			Source:    source,
			Offset:    v.Offset,
			Type:      typ,
			Bit:       v.Bit,
			Scale:     v.Scale,
			Translate: v.Translate,
			Format:    v.Format,
			Unit:      v.Unit,
			Low:       v.Low,
			High:      v.High,
		}
	}
	return nil
}
