// Package config loads the miner configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"s9_miner/device"
	"s9_miner/device/bm1387"
	"s9_miner/device/gpio"
	"s9_miner/device/power"
	"s9_miner/device/timing"
	"s9_miner/job"
	"s9_miner/log"
	"s9_miner/work"
)

const (
	GpioBackendChardev = "gpiod"
	GpioBackendSysfs   = "sysfs"
)

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type GpioConfig struct {
	Backend   string      `yaml:"backend"`
	Chip      string      `yaml:"chip"`
	ResetPins map[int]int `yaml:"reset_pins"`
	PowerPins map[int]int `yaml:"power_pins"`
	PlugPins  map[int]int `yaml:"plug_pins"`
}

// PinMap returns the pins keyed the way gpio.ControlPinManager expects.
func (my *GpioConfig) PinMap() gpio.PinMap {
	return gpio.PinMap{
		gpio.Reset: my.ResetPins,
		gpio.Power: my.PowerPins,
		gpio.Plug:  my.PlugPins,
	}
}

type PowerConfig struct {
	I2cBus string `yaml:"i2c_bus"`
	PEC    bool   `yaml:"pec"`
}

type ChainConfig struct {
	HashboardIdx   int     `yaml:"hashboard_idx"`
	UART           string  `yaml:"uart"`
	MidstateCount  int     `yaml:"midstate_count"`
	AsicDifficulty uint32  `yaml:"asic_difficulty"`
	PLLFrequency   uint64  `yaml:"pll_frequency"`
	BaudRate       int     `yaml:"baud_rate"`
	Voltage        float64 `yaml:"voltage"`
	// Enabled defaults to true
	Enabled *bool `yaml:"enabled"`
}

func (my *ChainConfig) IsEnabled() bool {
	return my.Enabled == nil || *my.Enabled
}

func (my *ChainConfig) applyDefaults() {
	d := device.DefaultChainParams(my.HashboardIdx)
	if my.MidstateCount == 0 {
		my.MidstateCount = d.MidstateCount.Int()
	}
	if my.AsicDifficulty == 0 {
		my.AsicDifficulty = d.AsicDifficulty
	}
	if my.PLLFrequency == 0 {
		my.PLLFrequency = d.PLLFrequency
	}
	if my.BaudRate == 0 {
		my.BaudRate = d.BaudRate
	}
	if my.Voltage == 0 {
		my.Voltage = d.Voltage
	}
	if my.UART == "" && my.HashboardIdx >= 6 {
		my.UART = fmt.Sprintf("/dev/ttyS%d", my.HashboardIdx-5)
	}
}

// Params converts the entry to hash chain parameters.
func (my *ChainConfig) Params() (device.ChainParams, error) {
	p := device.DefaultChainParams(my.HashboardIdx)
	mc, err := job.NewMidstateCount(my.MidstateCount)
	if err != nil {
		return p, err
	}
	p.MidstateCount = mc
	p.AsicDifficulty = my.AsicDifficulty
	p.PLLFrequency = my.PLLFrequency
	p.BaudRate = my.BaudRate
	p.OscClkHz = timing.CHIP_OSC_CLK_HZ
	p.BaseBaudDiv = bm1387.CHIP_OSC_CLK_BASE_BAUD_DIV
	p.Voltage = my.Voltage
	p.HeartbeatInterval = power.HeartbeatInterval
	return p, p.Validate()
}

type ManagerConfig struct {
	MismatchLimit  int           `yaml:"mismatch_limit"`
	MismatchWindow time.Duration `yaml:"mismatch_window"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

func (my *ManagerConfig) Params() device.ManagerParams {
	return device.ManagerParams{
		MismatchLimit:  my.MismatchLimit,
		MismatchWindow: my.MismatchWindow,
		StatsInterval:  my.StatsInterval,
	}
}

type MinerConfig struct {
	Log     log.Config          `yaml:"log"`
	Metrics MetricsConfig       `yaml:"metrics"`
	Gpio    GpioConfig          `yaml:"gpio"`
	Power   PowerConfig         `yaml:"power"`
	Chains  []ChainConfig       `yaml:"chains"`
	Work    work.TemplateConfig `yaml:"work"`
	Manager ManagerConfig       `yaml:"manager"`
}

// Default is the configuration of a stock S9 control board.
func Default() *MinerConfig {
	mp := device.DefaultManagerParams()
	cfg := &MinerConfig{
		Log: log.Config{Level: "info", Encoding: "console"},
		Metrics: MetricsConfig{
			Listen: ":9100",
		},
		Gpio: GpioConfig{
			Backend: GpioBackendChardev,
			Chip:    "gpiochip0",
			// EMIO lines of the control board FPGA
			ResetPins: map[int]int{6: 53, 7: 54, 8: 55},
			PlugPins:  map[int]int{6: 56, 7: 57, 8: 58},
		},
		Power: PowerConfig{I2cBus: "/dev/i2c-0"},
		Work: work.TemplateConfig{
			PrevHash: "0000000000000000000000000000000000000000000000000000000000000000",
			Version:  0x20000000,
			Nbits:    0x1d00ffff,
		},
		Manager: ManagerConfig{
			MismatchLimit:  mp.MismatchLimit,
			MismatchWindow: mp.MismatchWindow,
			StatsInterval:  mp.StatsInterval,
		},
	}
	for idx := 6; idx <= 8; idx++ {
		c := ChainConfig{HashboardIdx: idx}
		c.applyDefaults()
		cfg.Chains = append(cfg.Chains, c)
	}
	return cfg
}

// Load reads path over the defaults. Chains listed in the file replace
// the default chains.
func Load(path string) (*MinerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*MinerConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	for i := range cfg.Chains {
		cfg.Chains[i].applyDefaults()
	}
	return cfg, nil
}

// EnabledChains returns the chain entries to run.
func (my *MinerConfig) EnabledChains() []ChainConfig {
	var out []ChainConfig
	for _, c := range my.Chains {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

func (my *MinerConfig) Validate() error {
	switch my.Gpio.Backend {
	case GpioBackendChardev, GpioBackendSysfs:
	default:
		return fmt.Errorf("unknown gpio backend %q", my.Gpio.Backend)
	}

	seen := make(map[int]bool)
	midstates := 0
	var difficulty uint32
	for _, c := range my.Chains {
		if seen[c.HashboardIdx] {
			return fmt.Errorf("hashboard %d configured twice", c.HashboardIdx)
		}
		seen[c.HashboardIdx] = true
		if !c.IsEnabled() {
			continue
		}
		if _, err := c.Params(); err != nil {
			return errors.Wrapf(err, "hashboard %d", c.HashboardIdx)
		}
		if _, ok := my.Gpio.ResetPins[c.HashboardIdx]; !ok {
			return fmt.Errorf("hashboard %d has no reset pin", c.HashboardIdx)
		}
		if c.UART == "" {
			return fmt.Errorf("hashboard %d has no uart", c.HashboardIdx)
		}
		// one generator feeds every chain and one verifier checks them
		if midstates != 0 && c.MidstateCount != midstates {
			return fmt.Errorf("hashboard %d: all chains must use %d midstates", c.HashboardIdx, midstates)
		}
		if difficulty != 0 && c.AsicDifficulty != difficulty {
			return fmt.Errorf("hashboard %d: all chains must use asic difficulty %d", c.HashboardIdx, difficulty)
		}
		midstates, difficulty = c.MidstateCount, c.AsicDifficulty
	}
	if midstates == 0 {
		return errors.New("no chain enabled")
	}
	if midstates > 1 && !my.Work.VersionRolling {
		return fmt.Errorf("%d midstates need work.version_rolling", midstates)
	}
	return nil
}
