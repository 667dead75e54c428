// Package metrics exports hash chain statistics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"s9_miner/device"
	"s9_miner/log"
	"s9_miner/version"
)

const namespace = "s9_chain"

// ChainLister is implemented by device.Manager.
type ChainLister interface {
	Chains() []*device.HashChain
}

// Collector reads the chain counters at scrape time.
type Collector struct {
	chains ChainLister

	workGenerated *prometheus.Desc
	solutions     *prometheus.Desc
	chips         *prometheus.Desc
	state         *prometheus.Desc
	baudRate      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(chains ChainLister) *Collector {
	labels := []string{"hashboard"}
	return &Collector{
		chains: chains,
		workGenerated: prometheus.NewDesc(namespace+"_work_generated_total",
			"Work items sent to the chain.", labels, nil),
		solutions: prometheus.NewDesc(namespace+"_solutions_total",
			"Solutions read from the chain by classification.", append(labels, "class"), nil),
		chips: prometheus.NewDesc(namespace+"_chips",
			"Chips detected on the chain.", labels, nil),
		state: prometheus.NewDesc(namespace+"_state",
			"Chain state, 1 for the current one.", append(labels, "state"), nil),
		baudRate: prometheus.NewDesc(namespace+"_baud_rate",
			"Baud rate the chain link runs at.", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workGenerated
	ch <- c.solutions
	ch <- c.chips
	ch <- c.state
	ch <- c.baudRate
}

var states = []device.ChainState{
	device.StateUninitialized,
	device.StateConfiguring,
	device.StateRunning,
	device.StateFaulted,
	device.StateShuttingDown,
	device.StateTerminated,
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, chain := range c.chains.Chains() {
		idx := strconv.Itoa(chain.HashboardIdx())
		s := chain.Stats()

		ch <- prometheus.MustNewConstMetric(c.workGenerated, prometheus.CounterValue, float64(s.WorkGenerated), idx)
		for class, v := range map[device.SolutionClass]uint64{
			device.SolutionUnique:     s.UniqueSolutions,
			device.SolutionDuplicate:  s.DuplicateSolutions,
			device.SolutionStale:      s.StaleSolutions,
			device.SolutionMismatched: s.MismatchedSolutionNonces,
		} {
			ch <- prometheus.MustNewConstMetric(c.solutions, prometheus.CounterValue, float64(v), idx, class.String())
		}
		ch <- prometheus.MustNewConstMetric(c.chips, prometheus.GaugeValue, float64(chain.ChipCount()), idx)

		cur := chain.State()
		for _, st := range states {
			v := 0.0
			if st == cur {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, idx, st.String())
		}
		ch <- prometheus.MustNewConstMetric(c.baudRate, prometheus.GaugeValue, float64(chain.BaudRate()), idx)
	}
}

// NewBuildInfo returns a constant gauge carrying the miner version as labels.
func NewBuildInfo() prometheus.Collector {
	v := version.GetVersionConfig()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s9_miner_build_info",
		Help: "Miner build, always 1.",
		ConstLabels: prometheus.Labels{
			"version":  v.Version,
			"git_hash": v.GitHash,
			"model":    v.Model,
		},
	})
	g.Set(1)
	return g
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("metrics: listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
