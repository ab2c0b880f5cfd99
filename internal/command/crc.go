package command

// CRC16CCITT computes the 16-bit CCITT checksum over buf with the bit-mixing
// form used on the wire (initial value 0xFFFF). The two checksum bytes are
// transmitted big-endian ahead of the sync byte.
func CRC16CCITT(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		data := b ^ uint8(crc&0xFF)
		data ^= data << 4
		crc = (uint16(data)<<8 | crc>>8) ^ uint16(data>>4) ^ uint16(data)<<3
	}
	return crc
}
