package expedientes

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// PERMISSION REGISTRY
// ============================================================================

// Bit is the index of a coarse action in the 8-bit role mask.
type Bit uint8

const (
	BitCrear Bit = iota
	BitEditar
	BitEliminar
	BitVer
	BitDerivar
	BitAuditar
	BitExportar
	BitAdministrar
)

const (
	// MaskNone grants nothing.
	MaskNone = 0
	// MaskAll grants every bit and bypasses every other check.
	MaskAll = 255
	// BitCount is the number of defined bits.
	BitCount = 8
)

// PermissionInfo describes one registry entry.
type PermissionInfo struct {
	Bit   Bit    `json:"bit" yaml:"bit"`
	Name  string `json:"name" yaml:"name"`
	Value int    `json:"value" yaml:"value"`
}

var registry = [BitCount]PermissionInfo{
	{Bit: BitCrear, Name: "Crear", Value: 1},
	{Bit: BitEditar, Name: "Editar", Value: 2},
	{Bit: BitEliminar, Name: "Eliminar", Value: 4},
	{Bit: BitVer, Name: "Ver", Value: 8},
	{Bit: BitDerivar, Name: "Derivar", Value: 16},
	{Bit: BitAuditar, Name: "Auditar", Value: 32},
	{Bit: BitExportar, Name: "Exportar", Value: 64},
	{Bit: BitAdministrar, Name: "Administrar", Value: 128},
}

// Permissions returns a copy of the registry ordered by bit.
func Permissions() []PermissionInfo {
	out := make([]PermissionInfo, BitCount)
	copy(out, registry[:])
	return out
}

func (b Bit) Valid() bool { return b < BitCount }

// Name returns the semantic name of the bit, or "Bit(n)" when undefined.
func (b Bit) Name() string {
	if !b.Valid() {
		return "Bit(" + strconv.Itoa(int(b)) + ")"
	}
	return registry[b].Name
}

// Value returns the decimal value (1<<b), or 0 when undefined.
func (b Bit) Value() int {
	if !b.Valid() {
		return 0
	}
	return registry[b].Value
}

func (b Bit) String() string { return b.Name() }

// ParseBit accepts a registry name (case-insensitive) or a bit index.
func ParseBit(s string) (Bit, error) {
	s = strings.TrimSpace(s)
	for _, p := range registry {
		if strings.EqualFold(p.Name, s) {
			return p.Bit, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < BitCount {
		return Bit(n), nil
	}
	return 0, Validation("parse bit", "unknown permission %q", s)
}

// MarshalText encodes the bit by name.
func (b Bit) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("invalid permission bit %d", uint8(b))
	}
	return []byte(b.Name()), nil
}

func (b *Bit) UnmarshalText(text []byte) error {
	v, err := ParseBit(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ============================================================================
// BIT PERMISSION EVALUATOR
// ============================================================================

// ValidateMask rejects masks outside [0,255].
func ValidateMask(mask int) error {
	if mask < MaskNone || mask > MaskAll {
		return Validation("validate mask", "mask %d out of range [0,255]", mask)
	}
	return nil
}

// HasBit reports whether bit is set in mask. Out-of-range masks or bits are
// rejected with a Validation error before evaluation.
func HasBit(mask int, bit Bit) (bool, error) {
	if err := ValidateMask(mask); err != nil {
		return false, err
	}
	if !bit.Valid() {
		return false, Validation("has bit", "bit %d out of range [0,7]", uint8(bit))
	}
	return (mask>>uint(bit))&1 == 1, nil
}

// MaskOf builds a mask from bits.
func MaskOf(bits ...Bit) int {
	m := 0
	for _, b := range bits {
		if b.Valid() {
			m |= 1 << uint(b)
		}
	}
	return m
}

// BitsOf lists the bits set in mask. Invalid masks yield nil.
func BitsOf(mask int) []Bit {
	if ValidateMask(mask) != nil {
		return nil
	}
	out := make([]Bit, 0, BitCount)
	for b := Bit(0); b < BitCount; b++ {
		if (mask>>uint(b))&1 == 1 {
			out = append(out, b)
		}
	}
	return out
}

// IsBypassMask reports whether mask alone grants unconditional access.
func IsBypassMask(mask int) bool {
	if ValidateMask(mask) != nil {
		return false
	}
	return mask == MaskAll || (mask>>uint(BitAdministrar))&1 == 1
}
