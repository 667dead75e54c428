package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"s9_miner/config"
	"s9_miner/device"
	"s9_miner/device/bm1387"
	"s9_miner/device/gpio"
	"s9_miner/device/power"
	"s9_miner/device/timing"
	"s9_miner/job"
	"s9_miner/log"
	"s9_miner/metrics"
	"s9_miner/version"
	"s9_miner/work"
)

var rootCmd = &cobra.Command{
	Use:           "miner",
	Short:         "Drive the BM1387 hash chains of an S9 control board",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("config", "", "Configuration file path, built in S9 defaults when empty")
	rootCmd.Flags().String("log-level", "", "Override the configured log level")
	rootCmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address")
	rootCmd.Flags().Bool("dry-run", false, "Validate the configuration and print chain timing without touching hardware")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "miner:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.MinerConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if listen, _ := cmd.Flags().GetString("metrics-listen"); listen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = listen
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := log.Configure(cfg.Log); err != nil {
		return err
	}
	defer log.Sync()

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		return printTiming(cmd.OutOrStdout(), cfg)
	}

	log.Infof("=============== s9_miner %s start ===============", version.String())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mine(ctx, cfg)
	log.Info("=============== s9_miner stop ===============")
	return err
}

// printTiming shows what every enabled chain would be programmed with.
func printTiming(w io.Writer, cfg *config.MinerConfig) error {
	for _, c := range cfg.EnabledChains() {
		p, err := c.Params()
		if err != nil {
			return err
		}
		div, actual, err := timing.CalcBaudClockDiv(p.BaudRate, p.OscClkHz, p.BaseBaudDiv)
		if err != nil {
			return errors.Wrapf(err, "hashboard %d", p.HashboardIdx)
		}
		pll, err := bm1387.FindPLL(p.PLLFrequency)
		if err != nil {
			return errors.Wrapf(err, "hashboard %d", p.HashboardIdx)
		}
		delay := timing.CalcWorkDelayForPLL(p.MidstateCount.Int(), p.PLLFrequency)
		fmt.Fprintf(w, "hashboard %d on %s: baud %d (divisor %d, actual %d), pll %d Hz (reg 0x%08x), work time %d ticks (%.6fs), voltage %.2f V\n",
			p.HashboardIdx, c.UART, p.BaudRate, div, actual, pll.Frequency(), pll.Reg(),
			timing.SecsToFPGATicks(delay), delay, p.Voltage)
	}
	return nil
}

func newGpioBackend(cfg config.GpioConfig) (gpio.Backend, error) {
	if cfg.Backend == config.GpioBackendSysfs {
		return gpio.NewSysfsBackend(), nil
	}
	return gpio.NewChardevBackend(cfg.Chip)
}

func mine(ctx context.Context, cfg *config.MinerConfig) (err error) {
	gb, err := newGpioBackend(cfg.Gpio)
	if err != nil {
		return errors.Wrap(err, "gpio")
	}
	gpioMgr := gpio.NewControlPinManager(gb, cfg.Gpio.PinMap())
	defer func() { err = multierr.Append(err, gpioMgr.Close()) }()

	i2c, err := power.NewI2cBackend(cfg.Power.I2cBus, cfg.Power.PEC)
	if err != nil {
		return errors.Wrap(err, "power")
	}
	bus := cfg.Power.I2cBus
	mgr := device.NewManager(cfg.Manager.Params(), gpioMgr,
		map[string]*power.SharedBackend{bus: power.NewSharedBackend(i2c)})
	defer func() { err = multierr.Append(err, mgr.Close()) }()

	var midstates job.MidstateCount
	var difficulty uint32
	for _, c := range cfg.EnabledChains() {
		p, err := c.Params()
		if err != nil {
			return err
		}
		// Validate keeps both equal across chains
		midstates, difficulty = p.MidstateCount, p.AsicDifficulty

		drv, err := bm1387.Open(p.HashboardIdx, c.UART, bm1387.INITIAL_BAUD_RATE)
		if err != nil {
			log.Errorf("hashboard %d: %v", p.HashboardIdx, err)
			continue
		}
		if _, err := mgr.AddChain(p, bus, drv); err != nil {
			log.Errorf("%v", err)
		}
	}

	tmpl, err := work.NewTemplate(cfg.Work)
	if err != nil {
		return err
	}
	gen := work.NewGenerator(tmpl, midstates)
	verifier := work.NewVerifier(uint64(difficulty))

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(mgr), metrics.NewBuildInfo(), collectors.NewGoCollector())
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg); err != nil {
				log.Errorf("%v", err)
			}
		}()
	}

	err = mgr.Run(ctx, gen, verifier)
	log.Infof("shares %d, blocks %d, hardware errors %d", verifier.Shares(), verifier.Blocks(), verifier.HardwareErrors())
	return err
}
