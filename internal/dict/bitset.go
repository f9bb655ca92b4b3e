package dict

import "fmt"

// Bit is one diagnostic flag definition: a position in the runtime
// buffer plus the trouble code and remark it maps to.
type Bit struct {
	Offset int
	Bit    int
	Code   string
	Remark string
}

// IsSet tests the flag against a runtime buffer.
func (b Bit) IsSet(data []byte) bool {
	if b.Offset < 0 || b.Offset >= len(data) {
		return false
	}
	return data[b.Offset]&(1<<uint(b.Bit)) != 0
}

// BitSet is the ordered bit definitions of one diagnostic field, e.g.
// "CDiag0". Bit order within a set is part of the decode contract.
type BitSet struct {
	Name string
	Bits []Bit
}

// ErrorType distinguishes live diagnostics from stored ones.
type ErrorType int

const (
	CurrentError ErrorType = iota
	HistoricError
)

func (t ErrorType) String() string {
	if t == CurrentError {
		return "CURRENT"
	}
	return "HISTORIC"
}

// fieldPrefix is the dictionary field-name prefix for the numbered
// diagnostic pages of each error type.
func (t ErrorType) fieldPrefix() string {
	if t == CurrentError {
		return "CDiag"
	}
	return "HDiag"
}

// Error is one decoded diagnostic event. Instances are built fresh per
// decode call and never retained by the core.
type Error struct {
	Code        string    `json:"code"`
	Type        ErrorType `json:"-"`
	TypeName    string    `json:"type"`
	Description string    `json:"description"`
}

// BitSetPages returns the numbered diagnostic pages "<prefix>0",
// "<prefix>1", ... for the given error type, probing the provider until
// the first lookup miss. The sequence is finite and restartable; absence
// in the dictionary is its only bound.
func BitSetPages(p Provider, ecmID string, typ ErrorType) []*BitSet {
	var pages []*BitSet
	for i := 0; ; i++ {
		bs := p.BitSet(ecmID, fmt.Sprintf("%s%d", typ.fieldPrefix(), i))
		if bs == nil {
			return pages
		}
		pages = append(pages, bs)
	}
}

// CollectErrors decodes all set diagnostic flags of one type from a
// runtime buffer. Errors come out in page order, then bit-definition
// order within a page.
func CollectErrors(p Provider, ecmID string, data []byte, typ ErrorType) []Error {
	var errors []Error
	if data == nil {
		return errors
	}
	for _, bs := range BitSetPages(p, ecmID, typ) {
		for _, bit := range bs.Bits {
			if bit.IsSet(data) {
				errors = append(errors, Error{
					Code:        bit.Code,
					Type:        typ,
					TypeName:    typ.String(),
					Description: bit.Remark,
				})
			}
		}
	}
	return errors
}
