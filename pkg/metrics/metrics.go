// Package metrics implements the MetricsCollector component: on a
// fixed cadence it visits every configured host, normalizes observed
// inventory and utilization, and writes the state DB and time-series
// store. Concurrency follows the teacher's bounded-fan-out shape
// (garbagecollection's workqueue.ParallelizeUntil) translated to
// golang.org/x/sync/errgroup + semaphore.Weighted.
package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/hypervisor"
	"github.com/premiscale/premiscale/pkg/storage/state"
	"github.com/premiscale/premiscale/pkg/storage/timeseries"
)

// Collector owns the state-DB and TSDB handles and runs the
// collection loop until its context is canceled.
type Collector struct {
	log *zap.SugaredLogger

	cfg v1alpha1.Databases
	tsEnabled bool

	hosts []v1alpha1.Host

	stateDB state.DB
	tsDB    timeseries.DB

	stats *hypervisor.MemoizedStats

	initialized bool

	// readyAfterFirstPage is closed once the first page of the first
	// cycle completes, satisfying the healthcheck's /ready contract.
	readyAfterFirstPage chan struct{}
	readyOnce           bool
}

func New(log *zap.SugaredLogger, cfg v1alpha1.Databases, hosts []v1alpha1.Host) (*Collector, error) {
	stateDB, err := state.New(cfg.State)
	if err != nil {
		return nil, err
	}
	tsDB, err := timeseries.New(cfg.Timeseries)
	if err != nil {
		return nil, err
	}

	return &Collector{
		log:                 log,
		cfg:                 cfg,
		tsEnabled:           cfg.Timeseries.Type != "",
		hosts:               hosts,
		stateDB:             stateDB,
		tsDB:                tsDB,
		stats:               hypervisor.NewMemoizedStats(0),
		readyAfterFirstPage: make(chan struct{}),
	}, nil
}

// Ready returns a channel that closes once the first collection page
// of the first cycle has completed.
func (c *Collector) Ready() <-chan struct{} {
	return c.readyAfterFirstPage
}

// init performs the one-time state-DB/TSDB bootstrap described in
// §4.2: open both connections, run state.initialize(), and insert any
// hosts declared in config that the state DB does not yet know about.
func (c *Collector) init(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	if err := c.stateDB.Open(ctx); err != nil {
		return err
	}
	if err := c.tsDB.Open(ctx); err != nil {
		return err
	}
	if err := c.stateDB.Initialize(ctx); err != nil {
		return err
	}

	for _, h := range c.hosts {
		exists, err := c.stateDB.HostExists(ctx, h.Name)
		if err != nil {
			return err
		}
		if !exists {
			if err := c.stateDB.HostCreate(ctx, toDomainHost(h)); err != nil {
				return err
			}
		}
	}

	c.initialized = true
	return nil
}

func toDomainHost(h v1alpha1.Host) domain.Host {
	return domain.Host{
		Name:       h.Name,
		Address:    h.Address,
		Protocol:   h.Protocol,
		Port:       h.Port,
		Hypervisor: h.Hypervisor,
		Resources:  h.Resources,
		Timeout:    h.Timeout.Duration(),
	}
}

// pageSize is P = max(1, maxHostConnectionThreads, hostConnectionQueueSize).
func pageSize(cfg v1alpha1.Databases) int {
	p := 1
	if cfg.MaxHostConnectionThreads > p {
		p = cfg.MaxHostConnectionThreads
	}
	if cfg.HostConnectionQueueSize > p {
		p = cfg.HostConnectionQueueSize
	}
	return p
}

// Run executes the collection loop until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	interval := c.cfg.CollectionInterval.Duration()

	for {
		start := time.Now()

		if err := c.init(ctx); err != nil {
			c.log.Errorw("metrics collector initialization failed", "error", err)
			return err
		}

		if err := c.runCycle(ctx); err != nil {
			c.log.Warnw("collection cycle encountered errors", "error", err)
		}

		elapsed := time.Since(start)
		if elapsed >= interval {
			c.log.Warnw("collection cycle overran its interval", "elapsed", elapsed, "interval", interval)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval - elapsed):
		}
	}
}

// runCycle pages through c.hosts, running up to maxHostConnectionThreads
// per-host jobs concurrently within each page.
func (c *Collector) runCycle(ctx context.Context) error {
	page := pageSize(c.cfg)
	concurrency := c.cfg.MaxHostConnectionThreads
	if concurrency < 1 {
		concurrency = 1
	}

	for start := 0; start < len(c.hosts); start += page {
		end := start + page
		if end > len(c.hosts) {
			end = len(c.hosts)
		}

		if err := c.runPage(ctx, c.hosts[start:end], concurrency); err != nil {
			return err
		}

		if !c.readyOnce {
			c.readyOnce = true
			close(c.readyAfterFirstPage)
		}
	}
	return nil
}

func (c *Collector) runPage(ctx context.Context, hosts []v1alpha1.Host, concurrency int) error {
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, h := range hosts {
		h := h
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			c.collectHost(gctx, h)
			return nil
		})
	}

	return g.Wait()
}

// collectHost implements the per-host job from §4.2. Errors are
// logged and swallowed — a failed host does not fail the cycle; the
// next cycle retries.
func (c *Collector) collectHost(ctx context.Context, h v1alpha1.Host) {
	conn, err := hypervisor.New(h)
	if err != nil {
		c.log.Warnw("no hypervisor driver for host", "host", h.Name, "error", err)
		return
	}

	if err := conn.Open(ctx, true); err != nil {
		c.log.Warnw("failed to open readonly hypervisor connection", "host", h.Name, "error", err)
		return
	}
	defer conn.Close()

	hostStats, err := conn.GetHostStats(ctx)
	if err != nil {
		c.log.Warnw("failed to read host stats", "host", h.Name, "error", err)
		return
	}

	current, err := c.stateDB.GetHost(ctx, h.Name)
	if err != nil || hostChanged(current, h) {
		if err := c.stateDB.HostUpdate(ctx, toDomainHost(h)); err != nil {
			c.log.Warnw("failed to update host row", "host", h.Name, "error", err)
		}
	}

	vmStats, err := conn.GetHostVMStats(ctx)
	if err != nil {
		c.log.Warnw("failed to read VM stats", "host", h.Name, "error", err)
		return
	}

	// The hypervisor snapshot carries no notion of ASG membership, so
	// it's looked up from the state DB and carried forward onto both
	// the domain row and the time-series points written below — the
	// Reconciler's ASG-scoped TSDB reads depend on the latter.
	asgByVM, err := c.asgMembership(ctx, h.Name)
	if err != nil {
		c.log.Warnw("failed to look up ASG membership", "host", h.Name, "error", err)
	}

	domains := make([]domain.Domain, 0, len(vmStats))
	for _, snap := range hostStats.Domains {
		domains = append(domains, domain.Domain{
			Host:       h.Name,
			Name:       snap.Name,
			ASG:        asgByVM[snap.Name],
			PowerState: snap.PowerState,
		})
	}
	if err := c.stateDB.VMReport(ctx, domains); err != nil {
		c.log.Warnw("failed to report VM inventory", "host", h.Name, "error", err)
	}

	if c.tsEnabled {
		points := statsToPoints(h.Name, vmStats, asgByVM)
		if err := c.tsDB.InsertBatch(ctx, points); err != nil {
			c.log.Warnw("failed to insert time-series batch", "host", h.Name, "error", err)
		}
	}
}

// asgMembership maps VM name to its current ASG for every domain
// already reported on this host, so a cycle's report/points carry the
// membership already recorded in the state DB rather than the empty
// string.
func (c *Collector) asgMembership(ctx context.Context, host string) (map[string]string, error) {
	report, err := c.stateDB.ASGReport(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for asg, members := range report {
		for _, m := range members {
			if m.Host == host {
				out[m.Name] = asg
			}
		}
	}
	return out, nil
}

func hostChanged(current domain.Host, declared v1alpha1.Host) bool {
	return current.Address != declared.Address ||
		current.Protocol != declared.Protocol ||
		current.Port != declared.Port ||
		current.Hypervisor != declared.Hypervisor ||
		current.Resources != declared.Resources
}

// statsToPoints is the Go analogue of statsToMetricsDB(): one point
// per measurement kind per domain, tagged by host and domain name.
// asgByVM carries each domain's current ASG membership (looked up from
// the state DB, since the hypervisor snapshot has no concept of it) so
// the Reconciler's ASG-scoped aggregateUtilization query can find the
// points a real collection cycle writes.
func statsToPoints(host string, stats []domain.DomainStats, asgByVM map[string]string) []timeseries.Point {
	points := make([]timeseries.Point, 0, len(stats)*4)
	for _, s := range stats {
		asg := asgByVM[s.Name]
		points = append(points,
			timeseries.Point{
				Measurement: domain.MeasurementCPU,
				ASG:         asg,
				Host:        host,
				VM:          s.Name,
				Field:       "total_nanoseconds",
				Value:       float64(s.CPU.TotalNanoseconds),
				Time:        s.CollectedAt,
			},
		)
		if s.Balloon != nil {
			points = append(points, timeseries.Point{
				Measurement: domain.MeasurementMemory,
				ASG:         asg,
				Host:        host,
				VM:          s.Name,
				Field:       "current_bytes",
				Value:       float64(s.Balloon.CurrentBytes),
				Time:        s.CollectedAt,
			})
		}
		for _, n := range s.Net {
			points = append(points, timeseries.Point{
				Measurement: domain.MeasurementNet,
				ASG:         asg,
				Host:        host,
				VM:          s.Name,
				Field:       n.Name + "_rx_bytes",
				Value:       float64(n.RxBytes),
				Time:        s.CollectedAt,
			})
		}
		for _, b := range s.Block {
			points = append(points, timeseries.Point{
				Measurement: domain.MeasurementBlock,
				ASG:         asg,
				Host:        host,
				VM:          s.Name,
				Field:       b.Path + "_read_requests",
				Value:       float64(b.ReadRequests),
				Time:        s.CollectedAt,
			})
		}
	}
	return points
}
