package tinybms

import (
	"math/rand"
	"testing"
)

func TestCRC16(t *testing.T) {
	testCases := []struct {
		data     []byte
		expected uint16
	}{
		{data: []byte{0x01, 0x03, 0x02, 0x12, 0x34}, expected: 0x33B5},
		{data: []byte{}, expected: 0xFFFF}, // empty data keeps the initial value
		{data: []byte{0x00}, expected: 0x40BF},
	}

	for _, tc := range testCases {
		crc := CRC16(tc.data)
		if crc != tc.expected {
			t.Errorf("CRC16(%v) returned incorrect CRC: got %#04x, expected %#04x", tc.data, crc, tc.expected)
		}
	}
}

func TestCRCTableMatchesBitwise(t *testing.T) {
	table := NewCRCTable()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)
		if got, want := table.Sum(data), CRC16(data); got != want {
			t.Fatalf("table CRC %#04x disagrees with bitwise CRC %#04x for %v", got, want, data)
		}
	}
}

func TestAppendAndCheckCRC(t *testing.T) {
	frame := appendCRC([]byte{0xAA, 0x09, 0x02, 0x57, 0x01})
	if !checkCRC(frame) {
		t.Fatalf("checkCRC rejected a freshly appended CRC: % X", frame)
	}

	// Any single corrupted byte must be caught.
	for i := range frame {
		bad := make([]byte, len(frame))
		copy(bad, frame)
		bad[i] ^= 0x01
		if checkCRC(bad) {
			t.Errorf("checkCRC accepted frame with byte %d corrupted: % X", i, bad)
		}
	}
}

func TestAppendCRCByteOrder(t *testing.T) {
	body := []byte{0xAA, 0x02, 0x01, 0x05}
	frame := appendCRC(append([]byte(nil), body...))
	crc := CRC16(body)
	if frame[len(frame)-2] != byte(crc&0xFF) || frame[len(frame)-1] != byte(crc>>8) {
		t.Fatalf("CRC trailer is not little-endian: frame % X, crc %#04x", frame, crc)
	}
}
