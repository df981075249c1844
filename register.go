// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package tinybms

import (
	"fmt"
	"math"
)

// WireType is the on-wire representation of a register value.
type WireType uint8

const (
	UInt16 WireType = iota + 1
	Int16
	UInt32
	Float
)

// Words returns how many 16-bit registers the type occupies.
func (t WireType) Words() int {
	switch t {
	case UInt32, Float:
		return 2
	default:
		return 1
	}
}

func (t WireType) String() string {
	switch t {
	case UInt16:
		return "uint16"
	case Int16:
		return "int16"
	case UInt32:
		return "uint32"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("WireType(%d)", uint8(t))
	}
}

// Access describes whether a register may be written.
type Access uint8

const (
	ReadOnly Access = iota + 1
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "R"
	case ReadWrite:
		return "RW"
	default:
		return fmt.Sprintf("Access(%d)", uint8(a))
	}
}

// Descriptor is the static metadata for one register: how to convert
// between its wire word(s) and an engineering-unit value. Descriptors
// are immutable once loaded into a Catalog.
type Descriptor struct {
	Address uint16
	Key     string
	Type    WireType
	Scale   float64
	Access  Access
	Unit    string
	Min     *float64 // optional lower bound in engineering units
	Max     *float64 // optional upper bound in engineering units
}

// Words returns how many registers the descriptor occupies.
func (d Descriptor) Words() int { return d.Type.Words() }

// DecodeWords converts raw wire words into an engineering-unit value.
// Multi-word types combine registers low word first.
func (d Descriptor) DecodeWords(words []uint16) (float64, error) {
	if len(words) != d.Words() {
		return 0, fmt.Errorf("tinybms: register %q needs %d word(s), got %d", d.Key, d.Words(), len(words))
	}
	switch d.Type {
	case UInt16:
		return float64(words[0]) * d.Scale, nil
	case Int16:
		v := int32(words[0])
		if v > 0x7FFF {
			v -= 0x10000
		}
		return float64(v) * d.Scale, nil
	case UInt32:
		raw := uint32(words[1])<<16 | uint32(words[0])
		return float64(raw) * d.Scale, nil
	case Float:
		bits := uint32(words[1])<<16 | uint32(words[0])
		return float64(math.Float32frombits(bits)) * d.Scale, nil
	default:
		return 0, fmt.Errorf("tinybms: register %q has unsupported wire type %s", d.Key, d.Type)
	}
}

// EncodeValue converts an engineering-unit value into wire words,
// validating the descriptor bounds and the wire type's representable
// range before any I/O can happen.
func (d Descriptor) EncodeValue(value float64) ([]uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &ValidationError{Key: d.Key, Value: value, Reason: "value is not finite"}
	}
	if d.Min != nil && value < *d.Min {
		return nil, &ValidationError{Key: d.Key, Value: value, Reason: fmt.Sprintf("below lower bound %g", *d.Min)}
	}
	if d.Max != nil && value > *d.Max {
		return nil, &ValidationError{Key: d.Key, Value: value, Reason: fmt.Sprintf("above upper bound %g", *d.Max)}
	}

	if d.Type == Float {
		scaled := value / d.Scale
		if math.Abs(scaled) > math.MaxFloat32 {
			return nil, &ValidationError{Key: d.Key, Value: value, Reason: "out of float32 range"}
		}
		bits := math.Float32bits(float32(scaled))
		return []uint16{uint16(bits & 0xFFFF), uint16(bits >> 16)}, nil
	}

	raw := math.Round(value / d.Scale)
	switch d.Type {
	case UInt16:
		if raw < 0 || raw > math.MaxUint16 {
			return nil, &ValidationError{Key: d.Key, Value: value, Reason: "out of uint16 range"}
		}
		return []uint16{uint16(raw)}, nil
	case Int16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, &ValidationError{Key: d.Key, Value: value, Reason: "out of int16 range"}
		}
		return []uint16{uint16(int16(raw))}, nil
	case UInt32:
		if raw < 0 || raw > math.MaxUint32 {
			return nil, &ValidationError{Key: d.Key, Value: value, Reason: "out of uint32 range"}
		}
		r := uint32(raw)
		return []uint16{uint16(r & 0xFFFF), uint16(r >> 16)}, nil
	default:
		return nil, fmt.Errorf("tinybms: register %q has unsupported wire type %s", d.Key, d.Type)
	}
}

// Catalog is the read-only register-descriptor table, indexed by both
// address and key. It is safe to share between goroutines without
// locking.
type Catalog struct {
	byAddr  map[uint16]*Descriptor
	byKey   map[string]*Descriptor
	ordered []*Descriptor
}

// NewCatalog validates the descriptor list and builds the indexes.
func NewCatalog(descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{
		byAddr:  make(map[uint16]*Descriptor, len(descriptors)),
		byKey:   make(map[string]*Descriptor, len(descriptors)),
		ordered: make([]*Descriptor, 0, len(descriptors)),
	}
	for i := range descriptors {
		d := descriptors[i]
		if d.Key == "" {
			return nil, fmt.Errorf("tinybms: descriptor at address 0x%04X has an empty key", d.Address)
		}
		if d.Scale == 0 {
			return nil, fmt.Errorf("tinybms: register %q has zero scale", d.Key)
		}
		if d.Type.Words() == 0 {
			return nil, fmt.Errorf("tinybms: register %q has invalid wire type", d.Key)
		}
		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			return nil, fmt.Errorf("tinybms: register %q has inverted bounds (%g > %g)", d.Key, *d.Min, *d.Max)
		}
		if _, dup := c.byKey[d.Key]; dup {
			return nil, fmt.Errorf("tinybms: duplicate register key %q", d.Key)
		}
		if _, dup := c.byAddr[d.Address]; dup {
			return nil, fmt.Errorf("tinybms: duplicate register address 0x%04X", d.Address)
		}
		p := &d
		c.byAddr[d.Address] = p
		c.byKey[d.Key] = p
		c.ordered = append(c.ordered, p)
	}
	return c, nil
}

// ByAddress looks up a descriptor by register address.
func (c *Catalog) ByAddress(addr uint16) (*Descriptor, bool) {
	d, ok := c.byAddr[addr]
	return d, ok
}

// ByKey looks up a descriptor by key.
func (c *Catalog) ByKey(key string) (*Descriptor, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// All returns the descriptors in declaration order.
func (c *Catalog) All() []*Descriptor {
	out := make([]*Descriptor, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of descriptors in the catalog.
func (c *Catalog) Len() int { return len(c.ordered) }

func bound(v float64) *float64 { return &v }

var defaultCatalog = mustDefaultCatalog()

// DefaultCatalog returns the built-in TinyBMS register map: live data
// plus the writable configuration block.
func DefaultCatalog() *Catalog { return defaultCatalog }

func mustDefaultCatalog() *Catalog {
	regs := make([]Descriptor, 0, 48)
	for i := 0; i < 16; i++ {
		regs = append(regs, Descriptor{
			Address: uint16(i),
			Key:     fmt.Sprintf("cell_voltage_%d", i+1),
			Type:    UInt16,
			Scale:   0.0001,
			Access:  ReadOnly,
			Unit:    "V",
		})
	}
	regs = append(regs,
		Descriptor{Address: 0x0020, Key: "lifetime_counter", Type: UInt32, Scale: 1, Access: ReadOnly, Unit: "s"},
		Descriptor{Address: 0x0022, Key: "time_to_empty", Type: UInt32, Scale: 1, Access: ReadOnly, Unit: "s"},
		Descriptor{Address: 0x0024, Key: "pack_voltage", Type: Float, Scale: 1, Access: ReadOnly, Unit: "V"},
		Descriptor{Address: 0x0026, Key: "pack_current", Type: Float, Scale: 1, Access: ReadOnly, Unit: "A"},
		Descriptor{Address: 0x0028, Key: "min_cell_voltage", Type: UInt16, Scale: 0.0001, Access: ReadOnly, Unit: "V"},
		Descriptor{Address: 0x0029, Key: "max_cell_voltage", Type: UInt16, Scale: 0.0001, Access: ReadOnly, Unit: "V"},
		Descriptor{Address: 0x002A, Key: "external_temp_1", Type: Int16, Scale: 0.1, Access: ReadOnly, Unit: "C"},
		Descriptor{Address: 0x002B, Key: "external_temp_2", Type: Int16, Scale: 0.1, Access: ReadOnly, Unit: "C"},
		Descriptor{Address: 0x002E, Key: "state_of_charge", Type: UInt32, Scale: 0.000001, Access: ReadOnly, Unit: "%"},
		Descriptor{Address: 0x0030, Key: "internal_temp", Type: Int16, Scale: 0.1, Access: ReadOnly, Unit: "C"},
		Descriptor{Address: 0x0032, Key: "online_status", Type: UInt16, Scale: 1, Access: ReadOnly},

		Descriptor{Address: 0x012C, Key: "fully_charged_voltage", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(1.2), Max: bound(4.5)},
		Descriptor{Address: 0x012D, Key: "fully_discharged_voltage", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(1.0), Max: bound(3.5)},
		Descriptor{Address: 0x0131, Key: "early_balancing_threshold", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(1.0), Max: bound(4.5)},
		Descriptor{Address: 0x0133, Key: "charge_finished_current", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "A", Min: bound(0.1), Max: bound(10)},
		Descriptor{Address: 0x0136, Key: "number_of_cells", Type: UInt16, Scale: 1, Access: ReadWrite, Min: bound(4), Max: bound(16)},
		Descriptor{Address: 0x013C, Key: "allowed_disbalance", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(0.015), Max: bound(0.1)},
		Descriptor{Address: 0x0140, Key: "pulses_per_unit", Type: UInt32, Scale: 1, Access: ReadWrite},
		Descriptor{Address: 0x0157, Key: "battery_capacity", Type: UInt16, Scale: 0.01, Access: ReadWrite, Unit: "Ah", Min: bound(0.1), Max: bound(655.35)},
		Descriptor{Address: 0x0158, Key: "over_voltage_cutoff", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(1.2), Max: bound(4.75)},
		Descriptor{Address: 0x0159, Key: "under_voltage_cutoff", Type: UInt16, Scale: 0.001, Access: ReadWrite, Unit: "V", Min: bound(0.8), Max: bound(3.5)},
		Descriptor{Address: 0x015A, Key: "discharge_over_current_cutoff", Type: UInt16, Scale: 1, Access: ReadWrite, Unit: "A", Min: bound(1), Max: bound(750)},
		Descriptor{Address: 0x015B, Key: "charge_over_current_cutoff", Type: UInt16, Scale: 1, Access: ReadWrite, Unit: "A", Min: bound(1), Max: bound(750)},
		Descriptor{Address: 0x015C, Key: "over_heat_cutoff", Type: Int16, Scale: 0.1, Access: ReadWrite, Unit: "C", Min: bound(20), Max: bound(90)},
		Descriptor{Address: 0x015D, Key: "low_temp_charger_cutoff", Type: Int16, Scale: 0.1, Access: ReadWrite, Unit: "C", Min: bound(-40), Max: bound(10)},
	)
	c, err := NewCatalog(regs)
	if err != nil {
		panic(err) // static table, must always be consistent
	}
	return c
}
