package power

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"s9_miner/log"
)

// PIC microcontroller commands
const (
	PIC_COMMAND_1 = 0x55
	PIC_COMMAND_2 = 0xAA

	JUMP_FROM_LOADER_TO_APP  = 0x06
	RESET_PIC                = 0x07
	SET_VOLTAGE              = 0x10
	ENABLE_VOLTAGE           = 0x15
	SEND_HEART_BEAT          = 0x16
	GET_PIC_SOFTWARE_VERSION = 0x17
	GET_VOLTAGE              = 0x18

	PIC_BASE_ADDRESS = 0x50
)

// Linear fit of the regulator between PIC DAC value and output volts
const (
	voltageOffset = 1608.420446
	voltageSlope  = 170.423497
)

var (
	// Wait times after a PIC reset and after starting its application
	PicResetDelay = 500 * time.Millisecond
	PicJumpDelay  = 500 * time.Millisecond

	HeartbeatInterval    = 5 * time.Second
	MaxHeartbeatFailures = 3
)

// VoltageToPic converts volts to the PIC DAC value.
func VoltageToPic(volts float64) (uint8, error) {
	v := math.Round(voltageOffset - voltageSlope*volts)
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("voltage %.3f V out of regulator range", volts)
	}
	return uint8(v), nil
}

// PicToVoltage converts a PIC DAC value to volts.
func PicToVoltage(pic uint8) float64 {
	return (voltageOffset - float64(pic)) / voltageSlope
}

// VoltageCtrl drives the voltage regulator PIC of one hashboard.
type VoltageCtrl struct {
	backend      Backend
	hashboardIdx int
	addr         uint8

	mx        sync.Mutex
	hbCancel  context.CancelFunc
	hbStopped chan struct{}
}

func NewVoltageCtrl(backend Backend, hashboardIdx int) (*VoltageCtrl, error) {
	if hashboardIdx < 1 || hashboardIdx > 0x7f-PIC_BASE_ADDRESS+1 {
		return nil, fmt.Errorf("invalid hashboard index %d", hashboardIdx)
	}
	return &VoltageCtrl{
		backend:      backend,
		hashboardIdx: hashboardIdx,
		addr:         uint8(PIC_BASE_ADDRESS + hashboardIdx - 1),
	}, nil
}

func (v *VoltageCtrl) Addr() uint8 {
	return v.addr
}

func (v *VoltageCtrl) command(cmd uint8, data []byte, resp []byte) error {
	w := append([]byte{PIC_COMMAND_1, PIC_COMMAND_2, cmd}, data...)
	if err := v.backend.Tx(v.addr, w, resp); err != nil {
		return errors.Wrapf(err, "hashboard %d pic command 0x%02x", v.hashboardIdx, cmd)
	}
	return nil
}

func (v *VoltageCtrl) Reset() error {
	return v.command(RESET_PIC, nil, nil)
}

func (v *VoltageCtrl) JumpFromLoaderToApp() error {
	return v.command(JUMP_FROM_LOADER_TO_APP, nil, nil)
}

func (v *VoltageCtrl) SetVoltage(volts float64) error {
	pic, err := VoltageToPic(volts)
	if err != nil {
		return err
	}
	return v.command(SET_VOLTAGE, []byte{pic}, nil)
}

func (v *VoltageCtrl) EnableVoltage() error {
	return v.command(ENABLE_VOLTAGE, []byte{1}, nil)
}

func (v *VoltageCtrl) DisableVoltage() error {
	return v.command(ENABLE_VOLTAGE, []byte{0}, nil)
}

func (v *VoltageCtrl) SendHeartBeat() error {
	return v.command(SEND_HEART_BEAT, nil, nil)
}

func (v *VoltageCtrl) GetVersion() (uint8, error) {
	resp := make([]byte, 1)
	if err := v.command(GET_PIC_SOFTWARE_VERSION, nil, resp); err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (v *VoltageCtrl) GetVoltage() (float64, error) {
	resp := make([]byte, 1)
	if err := v.command(GET_VOLTAGE, nil, resp); err != nil {
		return 0, err
	}
	return PicToVoltage(resp[0]), nil
}

// InitVoltage restarts the PIC application and brings the board to volts.
func (v *VoltageCtrl) InitVoltage(volts float64) error {
	if _, err := VoltageToPic(volts); err != nil {
		return err
	}
	if err := v.Reset(); err != nil {
		return err
	}
	time.Sleep(PicResetDelay)
	if err := v.JumpFromLoaderToApp(); err != nil {
		return err
	}
	time.Sleep(PicJumpDelay)

	if ver, err := v.GetVersion(); err == nil {
		log.Infof("Hashboard %d PIC 0x%02x software version %d", v.hashboardIdx, v.addr, ver)
	}
	if err := v.SetVoltage(volts); err != nil {
		return err
	}
	return v.EnableVoltage()
}

// StartHeartbeat keeps the PIC from timing out and disabling the supply.
// onErr is called once when MaxHeartbeatFailures heartbeats in a row fail;
// the heartbeat stops after that.
func (v *VoltageCtrl) StartHeartbeat(ctx context.Context, interval time.Duration, onErr func(error)) {
	v.mx.Lock()
	defer v.mx.Unlock()
	if v.hbCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	v.hbCancel = cancel
	v.hbStopped = make(chan struct{})

	go func(stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := v.SendHeartBeat()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Errorf("Hashboard %d heartbeat failed (%d/%d): %v", v.hashboardIdx, failures, MaxHeartbeatFailures, err)
			if failures >= MaxHeartbeatFailures {
				if onErr != nil {
					onErr(err)
				}
				return
			}
		}
	}(v.hbStopped)
}

// StopHeartbeat stops the heartbeat and waits for it to exit.
func (v *VoltageCtrl) StopHeartbeat() {
	v.mx.Lock()
	cancel, stopped := v.hbCancel, v.hbStopped
	v.hbCancel, v.hbStopped = nil, nil
	v.mx.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
