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
	"encoding/binary"
	"fmt"
)

// Wire envelope: [0xAA][command][N][payload x N][crcLo][crcHi], with the
// CRC computed over the first 3+N bytes.
const (
	FramePreamble byte = 0xAA

	frameOverhead = 5 // preamble + command + length + 2-byte CRC
	minFrameLen   = frameOverhead
	maxPayloadLen = 255
)

// Command bytes understood by the BMS.
const (
	CmdRestart         byte = 0x02
	CmdModbusRead      byte = 0x03
	CmdReadBlock       byte = 0x07
	CmdReadIndividual  byte = 0x09
	CmdWriteBlock      byte = 0x0B
	CmdWriteIndividual byte = 0x0D
	CmdModbusWrite     byte = 0x10
)

// The simple command family: no request payload, the response carries a
// command-specific array of little-endian words.
const (
	SimpleCmdMin byte = 0x11
	SimpleCmdMax byte = 0x20
)

// Write and restart responses reuse the command-byte slot as a status
// flag. A NACK payload echoes the rejected command at offset 0 and
// carries the device error code at offset 1. This is an intentional
// wire contract of the device, not a framing bug.
const (
	StatusNACK byte = 0x00
	StatusACK  byte = 0x01
)

// RestartOption is the only defined request payload for CmdRestart.
const RestartOption byte = 0x05

const (
	maxBlockRegisters  = (maxPayloadLen - 3) / 2 // block write payload: start + count + words
	maxModbusRegisters = 125                     // standard MODBUS limit for 0x03/0x10
)

// Frame is one logical protocol message, request or response.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// EncodeFrame packs a frame into its wire form with a trailing
// little-endian CRC.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("tinybms: payload too long: %d bytes (max %d)", len(f.Payload), maxPayloadLen)
	}
	buf := make([]byte, 0, frameOverhead+len(f.Payload))
	buf = append(buf, FramePreamble, f.Cmd, byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return appendCRC(buf), nil
}

// DecodeFrame decodes one candidate frame. The caller must pass exactly
// 3+N+2 bytes. Invalidity (wrong preamble, inconsistent length, CRC
// mismatch) is reported as ok=false, never as an error: the stream
// reassembler treats it as a resync condition, not a failure.
func DecodeFrame(buf []byte) (Frame, bool) {
	if len(buf) < minFrameLen || buf[0] != FramePreamble {
		return Frame{}, false
	}
	n := int(buf[2])
	if len(buf) != frameOverhead+n {
		return Frame{}, false
	}
	if !checkCRC(buf) {
		return Frame{}, false
	}
	f := Frame{Cmd: buf[1]}
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, buf[3:3+n])
	}
	return f, true
}

// IsStatusFrame reports whether f uses the ACK/NACK status convention
// in the command-byte slot.
func IsStatusFrame(f Frame) bool {
	return f.Cmd == StatusACK || f.Cmd == StatusNACK
}

// NewReadIndividualRequest builds a single-register read request.
func NewReadIndividualRequest(addr uint16) Frame {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, addr)
	return Frame{Cmd: CmdReadIndividual, Payload: p}
}

// NewWriteIndividualRequest builds a single-register write request.
func NewWriteIndividualRequest(addr, value uint16) Frame {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint16(p[0:2], addr)
	binary.LittleEndian.PutUint16(p[2:4], value)
	return Frame{Cmd: CmdWriteIndividual, Payload: p}
}

// NewRestartRequest builds the device restart request.
func NewRestartRequest() Frame {
	return Frame{Cmd: CmdRestart, Payload: []byte{RestartOption}}
}

// NewSimpleRequest builds a request for the 0x11-0x20 family.
func NewSimpleRequest(cmd byte) (Frame, error) {
	if cmd < SimpleCmdMin || cmd > SimpleCmdMax {
		return Frame{}, fmt.Errorf("tinybms: command 0x%02X outside the simple family (0x%02X-0x%02X)", cmd, SimpleCmdMin, SimpleCmdMax)
	}
	return Frame{Cmd: cmd}, nil
}

// NewReadBlockRequest builds a block read request for count registers
// starting at start.
func NewReadBlockRequest(start uint16, count uint8) (Frame, error) {
	if count == 0 {
		return Frame{}, fmt.Errorf("tinybms: block read count cannot be zero")
	}
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p[0:2], start)
	p[2] = count
	return Frame{Cmd: CmdReadBlock, Payload: p}, nil
}

// NewWriteBlockRequest builds a block write request.
func NewWriteBlockRequest(start uint16, values []uint16) (Frame, error) {
	if len(values) == 0 {
		return Frame{}, fmt.Errorf("tinybms: block write needs at least one register")
	}
	if len(values) > maxBlockRegisters {
		return Frame{}, fmt.Errorf("tinybms: block write too large: %d registers (max %d)", len(values), maxBlockRegisters)
	}
	p := make([]byte, 3+2*len(values))
	binary.LittleEndian.PutUint16(p[0:2], start)
	p[2] = byte(len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(p[3+2*i:], v)
	}
	return Frame{Cmd: CmdWriteBlock, Payload: p}, nil
}

// NewModbusReadRequest builds a MODBUS-flavored read (0x03).
//
// The original implementations of this protocol disagree on the byte
// order of the address and quantity fields for the 0x03/0x10 family;
// this codec encodes them big-endian like the register data, matching
// standard MODBUS. The little-endian variant seen elsewhere is treated
// as a latent bug, not intent.
func NewModbusReadRequest(start, quantity uint16) (Frame, error) {
	if quantity == 0 || quantity > maxModbusRegisters {
		return Frame{}, fmt.Errorf("tinybms: invalid MODBUS read quantity %d (1-%d)", quantity, maxModbusRegisters)
	}
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], start)
	binary.BigEndian.PutUint16(p[2:4], quantity)
	return Frame{Cmd: CmdModbusRead, Payload: p}, nil
}

// NewModbusWriteRequest builds a MODBUS-flavored multi-register write
// (0x10). Field byte order as in NewModbusReadRequest.
func NewModbusWriteRequest(start uint16, values []uint16) (Frame, error) {
	if len(values) == 0 {
		return Frame{}, fmt.Errorf("tinybms: MODBUS write needs at least one register")
	}
	if len(values) > maxModbusRegisters {
		return Frame{}, fmt.Errorf("tinybms: MODBUS write too large: %d registers (max %d)", len(values), maxModbusRegisters)
	}
	p := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(p[0:2], start)
	binary.BigEndian.PutUint16(p[2:4], uint16(len(values)))
	p[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(p[5+2*i:], v)
	}
	return Frame{Cmd: CmdModbusWrite, Payload: p}, nil
}

// ParseReadIndividualResponse extracts the echoed address and register
// value from a single-register read response.
func ParseReadIndividualResponse(f Frame) (addr, value uint16, err error) {
	if f.Cmd != CmdReadIndividual {
		return 0, 0, fmt.Errorf("tinybms: unexpected command 0x%02X in read response", f.Cmd)
	}
	if len(f.Payload) != 4 {
		return 0, 0, fmt.Errorf("tinybms: invalid read response length: %d bytes (expected 4)", len(f.Payload))
	}
	addr = binary.LittleEndian.Uint16(f.Payload[0:2])
	value = binary.LittleEndian.Uint16(f.Payload[2:4])
	return addr, value, nil
}

// ParseReadBlockResponse extracts the echoed start address and the
// little-endian register words from a block read response.
func ParseReadBlockResponse(f Frame) (start uint16, values []uint16, err error) {
	if f.Cmd != CmdReadBlock {
		return 0, nil, fmt.Errorf("tinybms: unexpected command 0x%02X in block read response", f.Cmd)
	}
	if len(f.Payload) < 4 || (len(f.Payload)-2)%2 != 0 {
		return 0, nil, fmt.Errorf("tinybms: invalid block read response length: %d bytes", len(f.Payload))
	}
	start = binary.LittleEndian.Uint16(f.Payload[0:2])
	data := f.Payload[2:]
	values = make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return start, values, nil
}

// ParseSimpleResponse extracts the little-endian word array from a
// simple-family response.
func ParseSimpleResponse(f Frame) ([]uint16, error) {
	if f.Cmd < SimpleCmdMin || f.Cmd > SimpleCmdMax {
		return nil, fmt.Errorf("tinybms: unexpected command 0x%02X in simple response", f.Cmd)
	}
	if len(f.Payload)%2 != 0 {
		return nil, fmt.Errorf("tinybms: odd simple response length: %d bytes", len(f.Payload))
	}
	values := make([]uint16, len(f.Payload)/2)
	for i := range values {
		values[i] = binary.LittleEndian.Uint16(f.Payload[2*i:])
	}
	return values, nil
}

// ParseModbusReadResponse extracts the big-endian register words from a
// MODBUS-flavored read response (byte count, then data).
func ParseModbusReadResponse(f Frame) ([]uint16, error) {
	if f.Cmd != CmdModbusRead {
		return nil, fmt.Errorf("tinybms: unexpected command 0x%02X in MODBUS read response", f.Cmd)
	}
	if len(f.Payload) < 1 {
		return nil, fmt.Errorf("tinybms: empty MODBUS read response")
	}
	byteCount := int(f.Payload[0])
	if byteCount%2 != 0 || len(f.Payload) != 1+byteCount {
		return nil, fmt.Errorf("tinybms: invalid MODBUS read response: byte count %d, payload %d bytes", byteCount, len(f.Payload))
	}
	data := f.Payload[1:]
	values := make([]uint16, byteCount/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values, nil
}

// ParseStatusResponse interprets an ACK/NACK status frame. It returns
// nil for ACK and a *NackError for NACK.
func ParseStatusResponse(f Frame) error {
	switch f.Cmd {
	case StatusACK:
		return nil
	case StatusNACK:
		ne := &NackError{}
		if len(f.Payload) > 0 {
			ne.Cmd = f.Payload[0]
		}
		if len(f.Payload) > 1 {
			ne.Code = f.Payload[1]
		}
		return ne
	default:
		return fmt.Errorf("tinybms: frame 0x%02X is not a status response", f.Cmd)
	}
}
