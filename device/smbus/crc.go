package smbus

import "fmt"

const (
	crcInit = 0x00
	crcPoly = 0x07
	READ    = 0x01
	WRITE   = 0x00
)

var crc8Table = makeCRC8Table()

func makeCRC8Table() [256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = CalcCRC8([]byte{uint8(i)})
	}
	return t
}

// CalcPEC calculates the PEC per SMBus protocol over the address byte and data.
func CalcPEC(addr uint8, rdwr uint8, data []byte) (uint8, error) {
	if rdwr > READ {
		return 0, fmt.Errorf("invalid rdwr value: %d", rdwr)
	}
	if addr > 0x7f {
		return 0, fmt.Errorf("invalid address value: %d", addr)
	}

	crc := crc8Table[crcInit^(addr<<1|rdwr)]
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc, nil
}

// CalcCRC8 calculates CRC-8 (poly 0x07) bit by bit.
func CalcCRC8(data []byte) uint8 {
	var crc uint8 = crcInit

	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// AppendPEC appends the PEC to a byte array
func AppendPEC(addr, rdwr uint8, data []byte) ([]byte, error) {
	pec, err := CalcPEC(addr, rdwr, data)
	if err != nil {
		return nil, err
	}
	return append(data, pec), nil
}

// CheckPEC checks the trailing PEC of a byte array
func CheckPEC(addr, rdwr uint8, data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("data slice too small")
	}

	pec, err := CalcPEC(addr, rdwr, data[:len(data)-1])
	if err != nil {
		return err
	}
	if pec != data[len(data)-1] {
		return fmt.Errorf("PEC mismatch: %02x != %02x", pec, data[len(data)-1])
	}
	return nil
}
