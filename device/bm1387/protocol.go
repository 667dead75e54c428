package bm1387

import (
	"encoding/binary"
	"errors"
	"fmt"

	"s9_miner/device/asicio"
	"s9_miner/device/timing"
	"s9_miner/job"
)

const (
	CHIP_ID = 0x1387
	// CHIP_OSC_CLK_BASE_BAUD_DIV is the fixed prescaler in front of the baud divisor
	CHIP_OSC_CLK_BASE_BAUD_DIV = 8

	// Chips come out of reset talking at this rate
	INITIAL_BAUD_RATE = 115200

	MAX_CHIPS_ON_CHAIN = 64
	// Chip addresses are spaced so each chip owns a slice of the nonce space
	CHIP_ADDRESS_STEP = 4
)

// Registers
const (
	CHIP_ADDRESS_REG = 0x00
	PLL_PARAM_REG    = 0x0c
	TICKET_MASK_REG  = 0x14
	MISC_CONTROL_REG = 0x1c
)

// MISC_CONTROL_REG bits
const (
	MISC_INV_CLKO      = 1 << 0
	MISC_MMEN          = 1 << 7
	MISC_BAUD_DIV_SHFT = 8
	MISC_BAUD_DIV_MASK = 0x1f << MISC_BAUD_DIV_SHFT
	MISC_GATEBCLK      = 1 << 31

	MiscControlDefault = MISC_GATEBCLK | MISC_MMEN
)

// Command frame types
const (
	CMD_SET_ADDRESS    = 0x01
	CMD_READ_REG       = 0x02
	CMD_CHAIN_INACTIVE = 0x03
	CMD_WRITE_REG      = 0x08

	CMD_TYPE_CMD = 0x40
	CMD_ALL      = 0x10

	WORK_TYPE = 0x21
)

var (
	CmdPreamble  = []byte{0x55, 0xaa}
	RespPreamble = []byte{0xaa, 0x55}
)

const (
	// preamble, 4 data bytes, two id bytes, crc/flag byte
	RESP_LEN       = 9
	RESP_NONCE_BIT = 0x80
)

type cmdHeader struct {
	Type   uint8
	Length uint8
}

func cmdFrame(cmd uint8, broadcast bool, payload ...byte) []byte {
	t := uint8(CMD_TYPE_CMD | cmd)
	if broadcast {
		t |= CMD_ALL
	}
	hdr, _ := asicio.Pack(binary.BigEndian, &cmdHeader{Type: t, Length: uint8(2 + len(payload) + 1)})
	body := append(hdr, payload...)
	body = append(body, CRC5(body, len(body)*8))
	return append(append([]byte(nil), CmdPreamble...), body...)
}

// ReadRegCmd reads reg of one chip, or of every chip when broadcast.
func ReadRegCmd(chipAddr uint8, reg uint8, broadcast bool) []byte {
	return cmdFrame(CMD_READ_REG, broadcast, chipAddr, reg)
}

func WriteRegCmd(chipAddr uint8, reg uint8, value uint32, broadcast bool) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], value)
	return cmdFrame(CMD_WRITE_REG, broadcast, chipAddr, reg, v[0], v[1], v[2], v[3])
}

// ChainInactiveCmd stops chips from forwarding commands until addressed.
func ChainInactiveCmd() []byte {
	return cmdFrame(CMD_CHAIN_INACTIVE, true, 0, 0)
}

// SetAddressCmd gives the first unaddressed chip its address.
func SetAddressCmd(chipAddr uint8) []byte {
	return cmdFrame(CMD_SET_ADDRESS, false, chipAddr, 0)
}

type workHeader struct {
	Type          uint8
	Length        uint8
	JobID         uint8
	MidstateCount uint8
	StartNonce    uint32
	Nbits         uint32
	Ntime         uint32
	MerkleRootLSW uint32
}

// WorkFrame encodes work for broadcast to the chain. Midstates go out in
// reversed byte order.
func WorkFrame(jobID uint8, w *job.MiningWork) ([]byte, error) {
	if len(w.Midstates) == 0 {
		return nil, job.ErrNoMidstates
	}
	if len(w.Midstates) > 4 {
		return nil, fmt.Errorf("%d midstates, chip takes at most 4", len(w.Midstates))
	}
	hdr := workHeader{
		Type:          WORK_TYPE,
		Length:        uint8(2 + 2 + 4*4 + 32*len(w.Midstates) + 2),
		JobID:         jobID,
		MidstateCount: uint8(len(w.Midstates)),
		Nbits:         w.Nbits,
		Ntime:         w.Ntime,
		MerkleRootLSW: w.MerkleRootLSW,
	}
	body, err := asicio.Pack(binary.BigEndian, &hdr)
	if err != nil {
		return nil, err
	}
	for _, ms := range w.Midstates {
		for i := len(ms.State) - 1; i >= 0; i-- {
			body = append(body, ms.State[i])
		}
	}
	body = binary.BigEndian.AppendUint16(body, CRC16(body))
	return append(append([]byte(nil), CmdPreamble...), body...), nil
}

// ValidResponse checks the preamble and CRC5 of a response frame.
func ValidResponse(frame []byte) bool {
	if len(frame) != RESP_LEN || frame[0] != RespPreamble[0] || frame[1] != RespPreamble[1] {
		return false
	}
	return CRC5(frame[2:8], 6*8) == frame[8]&0x1f
}

// RegResponse is a register value returned by one chip.
type RegResponse struct {
	Value    uint32
	ChipAddr uint8
	Reg      uint8
}

// ParseResponse splits a valid frame into a nonce solution or a register value.
func ParseResponse(frame []byte) (*job.MiningWorkSolution, *RegResponse) {
	if frame[8]&RESP_NONCE_BIT != 0 {
		midx := frame[6]
		jobID := frame[7] & 0x7f
		return &job.MiningWorkSolution{
			Nonce:       binary.LittleEndian.Uint32(frame[2:6]),
			MidstateIdx: int(midx),
			SolutionID:  uint32(jobID)<<8 | uint32(midx),
		}, nil
	}
	reg := &RegResponse{}
	if _, err := asicio.Unpack(frame[2:8], binary.BigEndian, reg); err != nil {
		return nil, nil
	}
	return nil, reg
}

// NonceResponse builds the frame a chip sends for a found nonce.
func NonceResponse(nonce uint32, midstateIdx uint8, jobID uint8) []byte {
	f := make([]byte, RESP_LEN)
	copy(f, RespPreamble)
	binary.LittleEndian.PutUint32(f[2:], nonce)
	f[6] = midstateIdx
	f[7] = jobID
	f[8] = RESP_NONCE_BIT | CRC5(f[2:8], 6*8)
	return f
}

// RegisterResponse builds the frame a chip sends for a register read.
func RegisterResponse(value uint32, chipAddr uint8, reg uint8) []byte {
	f := make([]byte, RESP_LEN)
	copy(f, RespPreamble)
	binary.BigEndian.PutUint32(f[2:], value)
	f[6] = chipAddr
	f[7] = reg
	f[8] = CRC5(f[2:8], 6*8)
	return f
}

// PLL settings: frequency = osc * fbdiv / (refdiv * postdiv1 * postdiv2)
type PLL struct {
	FbDiv    uint32
	RefDiv   uint32
	PostDiv1 uint32
	PostDiv2 uint32
}

const (
	pllRefDiv = 2
	pllVcoMin = 800_000_000
	pllVcoMax = 3_200_000_000
)

var ErrPLLFrequency = errors.New("no PLL setting for frequency")

// FindPLL returns the setting closest to frequency, preferring small post dividers.
func FindPLL(frequency uint64) (PLL, error) {
	const osc = uint64(timing.CHIP_OSC_CLK_HZ)
	var best PLL
	var bestErr uint64
	found := false
	for p1 := uint64(1); p1 <= 7; p1++ {
		for p2 := uint64(1); p2 <= p1; p2++ {
			div := pllRefDiv * p1 * p2
			fb := (frequency*div + osc/2) / osc
			if fb < 16 || fb > 255 {
				continue
			}
			vco := osc * fb / pllRefDiv
			if vco < pllVcoMin || vco > pllVcoMax {
				continue
			}
			actual := osc * fb / div
			e := actual - frequency
			if actual < frequency {
				e = frequency - actual
			}
			if !found || e < bestErr {
				best = PLL{FbDiv: uint32(fb), RefDiv: pllRefDiv, PostDiv1: uint32(p1), PostDiv2: uint32(p2)}
				bestErr = e
				found = true
			}
		}
	}
	if !found {
		return PLL{}, fmt.Errorf("%w %d Hz", ErrPLLFrequency, frequency)
	}
	return best, nil
}

func (p PLL) Reg() uint32 {
	return p.FbDiv<<16 | p.RefDiv<<8 | p.PostDiv1<<4 | p.PostDiv2
}

func (p PLL) Frequency() uint64 {
	return uint64(timing.CHIP_OSC_CLK_HZ) * uint64(p.FbDiv) / uint64(p.RefDiv*p.PostDiv1*p.PostDiv2)
}

// TicketMask returns the register value for a power of two difficulty.
func TicketMask(difficulty uint32) (uint32, error) {
	if difficulty == 0 || difficulty&(difficulty-1) != 0 || difficulty > 256 {
		return 0, fmt.Errorf("difficulty %d is not a power of two up to 256", difficulty)
	}
	return difficulty - 1, nil
}

// MiscControl returns the misc control register value for a baud divisor.
func MiscControl(baudDiv int) uint32 {
	return MiscControlDefault | uint32(baudDiv)<<MISC_BAUD_DIV_SHFT&MISC_BAUD_DIV_MASK
}
