package tinybms

// CRC16 calculates the CRC-16/MODBUS checksum of data: initial value
// 0xFFFF, reversed polynomial 0xA001. The empty input yields 0xFFFF.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRCTable is a 256-entry lookup table for the same polynomial. It is
// bit-identical to CRC16 for every input.
type CRCTable [256]uint16

// NewCRCTable precomputes the lookup table.
func NewCRCTable() *CRCTable {
	const polynomial = 0xA001
	var t CRCTable
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// Sum calculates the checksum of data using the lookup table.
func (t *CRCTable) Sum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ t[uint8(crc)^b]
	}
	return crc
}

// crcTable is shared by the codec hot path.
var crcTable = NewCRCTable()

// appendCRC appends the checksum of buf to buf, low byte first.
func appendCRC(buf []byte) []byte {
	crc := crcTable.Sum(buf)
	return append(buf, byte(crc&0xFF), byte(crc>>8))
}

// checkCRC reports whether the trailing two bytes of frame hold the
// little-endian checksum of the preceding bytes.
func checkCRC(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) - 2
	received := uint16(frame[n]) | uint16(frame[n+1])<<8
	return crcTable.Sum(frame[:n]) == received
}
