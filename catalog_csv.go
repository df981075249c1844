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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Expected CSV header columns. min, max and unit may be left empty per
// row; the header itself must carry every column.
var csvColumns = []string{"key", "address", "type", "scale", "access", "unit", "min", "max"}

// LoadCatalogCSV reads a register map from CSV. The first row is the
// header; column order is free. Addresses accept decimal or 0x-prefixed
// hex. Errors carry the offending row number.
func LoadCatalogCSV(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("tinybms: reading CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("tinybms: CSV header missing column %q", name)
		}
	}

	var descriptors []Descriptor
	for row := 2; ; row++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tinybms: CSV row %d: %w", row, err)
		}
		field := func(name string) string {
			i := col[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		d := Descriptor{Key: field("key"), Unit: field("unit")}

		addr, err := strconv.ParseUint(field("address"), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("tinybms: CSV row %d: invalid address %q", row, field("address"))
		}
		d.Address = uint16(addr)

		switch strings.ToLower(field("type")) {
		case "uint16":
			d.Type = UInt16
		case "int16":
			d.Type = Int16
		case "uint32":
			d.Type = UInt32
		case "float", "float32":
			d.Type = Float
		default:
			return nil, fmt.Errorf("tinybms: CSV row %d: invalid type %q", row, field("type"))
		}

		d.Scale, err = strconv.ParseFloat(field("scale"), 64)
		if err != nil {
			return nil, fmt.Errorf("tinybms: CSV row %d: invalid scale %q", row, field("scale"))
		}

		switch strings.ToUpper(field("access")) {
		case "R", "RO":
			d.Access = ReadOnly
		case "RW", "W":
			d.Access = ReadWrite
		default:
			return nil, fmt.Errorf("tinybms: CSV row %d: invalid access %q", row, field("access"))
		}

		if s := field("min"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("tinybms: CSV row %d: invalid min %q", row, s)
			}
			d.Min = &v
		}
		if s := field("max"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("tinybms: CSV row %d: invalid max %q", row, s)
			}
			d.Max = &v
		}

		descriptors = append(descriptors, d)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("tinybms: CSV contains no register rows")
	}
	return NewCatalog(descriptors)
}

// LoadCatalogCSVFile loads a register map from a file path.
func LoadCatalogCSVFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tinybms: opening register map: %w", err)
	}
	defer f.Close()
	return LoadCatalogCSV(f)
}
