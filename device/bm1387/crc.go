package bm1387

// CRC5 (poly x^5+x^2+1, init 0x1f) over the first bits of data, MSB first.
func CRC5(data []byte, bits int) uint8 {
	c := [5]uint8{1, 1, 1, 1, 1}
	for i := 0; i < bits; i++ {
		din := (data[i/8] >> (7 - uint(i%8))) & 1
		c = [5]uint8{
			c[4] ^ din,
			c[0],
			c[1] ^ c[4] ^ din,
			c[2],
			c[3],
		}
	}
	var crc uint8
	for i := 0; i < 5; i++ {
		crc |= c[i] << uint(i)
	}
	return crc
}

// CRC16 is CRC-16/CCITT-FALSE.
func CRC16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
