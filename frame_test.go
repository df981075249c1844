package tinybms

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{name: "no payload", frame: Frame{Cmd: 0x11}},
		{name: "restart", frame: NewRestartRequest()},
		{name: "read individual", frame: NewReadIndividualRequest(0x0157)},
		{name: "write individual", frame: NewWriteIndividualRequest(0x0157, 2000)},
		{name: "max payload", frame: Frame{Cmd: 0x07, Payload: bytes.Repeat([]byte{0x42}, 255)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := EncodeFrame(tc.frame)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			got, ok := DecodeFrame(wire)
			if !ok {
				t.Fatalf("DecodeFrame rejected its own encoding: % X", wire)
			}
			if got.Cmd != tc.frame.Cmd || !bytes.Equal(got.Payload, tc.frame.Payload) {
				t.Errorf("round trip mismatch: sent %+v, got %+v", tc.frame, got)
			}
		})
	}
}

func TestEncodeFramePayloadTooLong(t *testing.T) {
	_, err := EncodeFrame(Frame{Cmd: 0x0B, Payload: make([]byte, 256)})
	if err == nil {
		t.Fatal("expected an error for a 256-byte payload")
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	wire, _ := EncodeFrame(NewReadIndividualRequest(0x0024))

	testCases := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{name: "wrong preamble", mutate: func(b []byte) []byte { b[0] = 0xAB; return b }},
		{name: "flipped payload bit", mutate: func(b []byte) []byte { b[3] ^= 0x80; return b }},
		{name: "corrupted crc", mutate: func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }},
		{name: "truncated", mutate: func(b []byte) []byte { return b[:len(b)-1] }},
		{name: "trailing byte", mutate: func(b []byte) []byte { return append(b, 0x00) }},
		{name: "too short", mutate: func([]byte) []byte { return []byte{0xAA, 0x09} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := tc.mutate(append([]byte(nil), wire...))
			if _, ok := DecodeFrame(buf); ok {
				t.Errorf("DecodeFrame accepted corrupted input: % X", buf)
			}
		})
	}
}

func TestRequestEncodings(t *testing.T) {
	read := NewReadIndividualRequest(0x0157)
	if !bytes.Equal(read.Payload, []byte{0x57, 0x01}) {
		t.Errorf("read individual payload not little-endian: % X", read.Payload)
	}

	write := NewWriteIndividualRequest(0x0157, 2000)
	if !bytes.Equal(write.Payload, []byte{0x57, 0x01, 0xD0, 0x07}) {
		t.Errorf("write individual payload wrong: % X", write.Payload)
	}

	block, err := NewReadBlockRequest(0x0020, 4)
	if err != nil {
		t.Fatalf("NewReadBlockRequest: %v", err)
	}
	if !bytes.Equal(block.Payload, []byte{0x20, 0x00, 0x04}) {
		t.Errorf("block read payload wrong: % X", block.Payload)
	}

	// MODBUS-family fields are big-endian, unlike the native families.
	mb, err := NewModbusReadRequest(0x0157, 2)
	if err != nil {
		t.Fatalf("NewModbusReadRequest: %v", err)
	}
	if !bytes.Equal(mb.Payload, []byte{0x01, 0x57, 0x00, 0x02}) {
		t.Errorf("MODBUS read payload wrong: % X", mb.Payload)
	}

	mw, err := NewModbusWriteRequest(0x0100, []uint16{0x1234, 0x5678})
	if err != nil {
		t.Fatalf("NewModbusWriteRequest: %v", err)
	}
	if !bytes.Equal(mw.Payload, []byte{0x01, 0x00, 0x00, 0x02, 0x04, 0x12, 0x34, 0x56, 0x78}) {
		t.Errorf("MODBUS write payload wrong: % X", mw.Payload)
	}
}

func TestRequestValidation(t *testing.T) {
	if _, err := NewSimpleRequest(0x10); err == nil {
		t.Error("0x10 accepted as a simple command")
	}
	if _, err := NewSimpleRequest(0x21); err == nil {
		t.Error("0x21 accepted as a simple command")
	}
	if _, err := NewSimpleRequest(0x11); err != nil {
		t.Errorf("0x11 rejected: %v", err)
	}
	if _, err := NewSimpleRequest(0x20); err != nil {
		t.Errorf("0x20 rejected: %v", err)
	}
	if _, err := NewReadBlockRequest(0, 0); err == nil {
		t.Error("zero-count block read accepted")
	}
	if _, err := NewWriteBlockRequest(0, nil); err == nil {
		t.Error("empty block write accepted")
	}
	if _, err := NewWriteBlockRequest(0, make([]uint16, maxBlockRegisters+1)); err == nil {
		t.Error("oversized block write accepted")
	}
	if _, err := NewModbusReadRequest(0, 126); err == nil {
		t.Error("MODBUS read above 125 registers accepted")
	}
	if _, err := NewModbusWriteRequest(0, make([]uint16, 126)); err == nil {
		t.Error("MODBUS write above 125 registers accepted")
	}
}

func TestParseReadIndividualResponse(t *testing.T) {
	addr, value, err := ParseReadIndividualResponse(Frame{
		Cmd:     CmdReadIndividual,
		Payload: []byte{0x57, 0x01, 0xD0, 0x07},
	})
	if err != nil {
		t.Fatalf("ParseReadIndividualResponse: %v", err)
	}
	if addr != 0x0157 || value != 2000 {
		t.Errorf("got addr %#04x value %d, expected 0x0157 / 2000", addr, value)
	}

	if _, _, err := ParseReadIndividualResponse(Frame{Cmd: CmdReadIndividual, Payload: []byte{0x01}}); err == nil {
		t.Error("short response accepted")
	}
	if _, _, err := ParseReadIndividualResponse(Frame{Cmd: 0x07, Payload: make([]byte, 4)}); err == nil {
		t.Error("wrong command accepted")
	}
}

func TestParseReadBlockResponse(t *testing.T) {
	start, values, err := ParseReadBlockResponse(Frame{
		Cmd:     CmdReadBlock,
		Payload: []byte{0x20, 0x00, 0x01, 0x00, 0xFF, 0xFF},
	})
	if err != nil {
		t.Fatalf("ParseReadBlockResponse: %v", err)
	}
	if start != 0x0020 {
		t.Errorf("start = %#04x, expected 0x0020", start)
	}
	assertUint16Equal(t, []uint16{0x0001, 0xFFFF}, values)

	if _, _, err := ParseReadBlockResponse(Frame{Cmd: CmdReadBlock, Payload: []byte{0x20, 0x00, 0x01}}); err == nil {
		t.Error("odd-length data accepted")
	}
}

func TestParseSimpleResponse(t *testing.T) {
	values, err := ParseSimpleResponse(Frame{Cmd: 0x14, Payload: []byte{0x10, 0x0E, 0x20, 0x0E}})
	if err != nil {
		t.Fatalf("ParseSimpleResponse: %v", err)
	}
	assertUint16Equal(t, []uint16{0x0E10, 0x0E20}, values)

	if _, err := ParseSimpleResponse(Frame{Cmd: 0x14, Payload: []byte{0x10}}); err == nil {
		t.Error("odd payload length accepted")
	}
	if _, err := ParseSimpleResponse(Frame{Cmd: 0x09, Payload: []byte{0x10, 0x0E}}); err == nil {
		t.Error("non-simple command accepted")
	}
}

func TestParseModbusReadResponse(t *testing.T) {
	values, err := ParseModbusReadResponse(Frame{
		Cmd:     CmdModbusRead,
		Payload: []byte{0x04, 0x0E, 0x10, 0x0E, 0x20},
	})
	if err != nil {
		t.Fatalf("ParseModbusReadResponse: %v", err)
	}
	assertUint16Equal(t, []uint16{0x0E10, 0x0E20}, values)

	if _, err := ParseModbusReadResponse(Frame{Cmd: CmdModbusRead, Payload: []byte{0x04, 0x0E, 0x10}}); err == nil {
		t.Error("byte count disagreeing with payload accepted")
	}
	if _, err := ParseModbusReadResponse(Frame{Cmd: CmdModbusRead}); err == nil {
		t.Error("empty payload accepted")
	}
}

func TestParseStatusResponse(t *testing.T) {
	if err := ParseStatusResponse(Frame{Cmd: StatusACK}); err != nil {
		t.Errorf("ACK parsed as error: %v", err)
	}

	err := ParseStatusResponse(Frame{Cmd: StatusNACK, Payload: []byte{CmdWriteIndividual, 0x03}})
	var ne *NackError
	if !errors.As(err, &ne) {
		t.Fatalf("NACK did not yield a *NackError: %v", err)
	}
	if ne.Cmd != CmdWriteIndividual || ne.Code != 0x03 {
		t.Errorf("NackError = %+v, expected cmd 0x0D code 0x03", ne)
	}

	if err := ParseStatusResponse(Frame{Cmd: 0x09}); err == nil {
		t.Error("non-status frame accepted")
	}
}
