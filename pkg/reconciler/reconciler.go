// Package reconciler implements the Reconciler component: it joins
// desired state (config), observed state (state DB), and recent load
// (TSDB) into a minimal set of Actions per ASG, emitted onto the
// queue the Supervisor owns.
package reconciler

import (
	"context"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/action"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/perrors"
	"github.com/premiscale/premiscale/pkg/storage/state"
	"github.com/premiscale/premiscale/pkg/storage/timeseries"
)

// Reconciler holds the read-side handles and last-action timestamps
// needed to evaluate cooldown per ASG.
type Reconciler struct {
	log *zap.SugaredLogger

	interval time.Duration
	groups   map[string]v1alpha1.AutoscalingGroup

	stateDB state.DB
	tsDB    timeseries.DB

	lastAction map[string]time.Time

	out chan<- action.Action
}

func New(log *zap.SugaredLogger, cfg v1alpha1.Reconciliation, groups map[string]v1alpha1.AutoscalingGroup, stateDB state.DB, tsDB timeseries.DB, out chan<- action.Action) *Reconciler {
	return &Reconciler{
		log:        log,
		interval:   cfg.Interval.Duration(),
		groups:     groups,
		stateDB:    stateDB,
		tsDB:       tsDB,
		lastAction: make(map[string]time.Time),
		out:        out,
	}
}

// Run executes the reconciliation loop until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		start := time.Now()

		if err := r.runCycle(ctx); err != nil {
			if perrors.IsContractViolation(err) {
				return err
			}
			r.log.Warnw("reconciliation cycle skipped", "error", err)
		}

		elapsed := time.Since(start)
		if elapsed >= r.interval {
			r.log.Warnw("reconciliation cycle overran its interval", "elapsed", elapsed, "interval", r.interval)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval - elapsed):
		}
	}
}

// runCycle evaluates every ASG independently, failing the whole cycle
// only if the backend reads themselves fail (§4.3 failure semantics) or
// dispatch reports a contract violation; a single ASG's policy error
// does not abort the others.
func (r *Reconciler) runCycle(ctx context.Context) error {
	report, err := r.stateDB.ASGReport(ctx)
	if err != nil {
		return err
	}

	for name, asg := range r.groups {
		members := report[name]
		actions, err := r.evaluate(ctx, name, asg, members)
		if err != nil {
			r.log.Warnw("failed to evaluate ASG policy", "asg", name, "error", err)
			continue
		}

		sent, err := r.dispatch(ctx, actions)
		if err != nil {
			return err
		}
		if sent {
			r.lastAction[name] = time.Now()
		}
	}
	return nil
}

// dispatch emits one Action per VM named in actions. A scale-down that
// removes several VMs from the same ASG is a list of single-candidate
// Deletes, one per victim, never a list to Fold together — Combine's
// contract-violation case exists precisely to catch two candidates
// that disagree about the same VM, not to reject distinct VMs sharing
// an ASG. Folding is scoped per VM so that case can still be caught: a
// real violation propagates out of dispatch (and then runCycle, Run,
// and the Supervisor's fatal-child path) instead of being swallowed.
func (r *Reconciler) dispatch(ctx context.Context, actions []action.Action) (bool, error) {
	byVM := make(map[string][]action.Action, len(actions))
	order := make([]string, 0, len(actions))
	for _, a := range actions {
		if _, ok := byVM[a.VM]; !ok {
			order = append(order, a.VM)
		}
		byVM[a.VM] = append(byVM[a.VM], a)
	}

	sent := false
	for _, vm := range order {
		folded, err := action.Fold(byVM[vm])
		if err != nil {
			return sent, err
		}
		if folded.Kind != action.Null {
			sent = true
		}

		select {
		case r.out <- folded:
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

// evaluate runs the per-ASG policy from §4.3 steps 1-5.
func (r *Reconciler) evaluate(ctx context.Context, name string, asg v1alpha1.AutoscalingGroup, members []domain.Domain) ([]action.Action, error) {
	if since, ok := r.lastAction[name]; ok && time.Since(since) < asg.Scaling.Cooldown.Duration() {
		return []action.Action{action.NewNull()}, nil
	}

	utilization, err := r.aggregateUtilization(ctx, name, asg, members)
	if err != nil {
		return nil, err
	}

	delta := scalingDelta(utilization, asg.Scaling.TargetUtilization, asg.Scaling.Increment)
	newDesired := clamp(asg.Desired+delta, asg.Min, asg.Max)

	return replacementActions(name, asg, members, newDesired), nil
}

// aggregateUtilization averages each resource kind's recent samples
// tagged with the ASG over a trailing window equal to the group's
// scaling cooldown (one minute when the cooldown is zero); the
// time-series trailing setting is not consulted. The Reconciler reads raw points and aggregates client-side
// rather than delegating to a server-side TSDB query (an explicit open
// question in the source; resolved in DESIGN.md).
func (r *Reconciler) aggregateUtilization(ctx context.Context, asgName string, asg v1alpha1.AutoscalingGroup, members []domain.Domain) (map[v1alpha1.ResourceKind]float64, error) {
	out := make(map[v1alpha1.ResourceKind]float64, len(asg.Scaling.TargetUtilization))

	measurementFor := map[v1alpha1.ResourceKind]domain.Measurement{
		v1alpha1.ResourceCPU:    domain.MeasurementCPU,
		v1alpha1.ResourceMemory: domain.MeasurementMemory,
		v1alpha1.ResourceNet:    domain.MeasurementNet,
		v1alpha1.ResourceBlock:  domain.MeasurementBlock,
	}

	trailing := asg.Scaling.Cooldown.Duration()
	if trailing <= 0 {
		trailing = time.Minute
	}

	for kind := range asg.Scaling.TargetUtilization {
		measurement, ok := measurementFor[kind]
		if !ok {
			continue
		}
		points, err := r.tsDB.GetAll(ctx, measurement, asgName, trailing)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			out[kind] = 0
			continue
		}
		sum := lo.Reduce(points, func(acc float64, p timeseries.Point, _ int) float64 {
			return acc + p.Value
		}, 0)
		out[kind] = sum / float64(len(points))
	}
	return out, nil
}

// scalingDelta derives a signed VM-count delta of magnitude increment
// or 0 from the worst utilization-to-target ratio across resource
// kinds: above 1 gives +increment, above 0 but below 0.5 gives
// -increment, and anything else (including no samples at all) gives 0.
func scalingDelta(utilization map[v1alpha1.ResourceKind]float64, targets map[v1alpha1.ResourceKind]float64, increment int) int {
	maxRatio := 0.0
	for kind, target := range targets {
		if target <= 0 {
			continue
		}
		ratio := utilization[kind] / target
		if ratio > maxRatio {
			maxRatio = ratio
		}
	}

	switch {
	case maxRatio > 1.0:
		return increment
	case maxRatio > 0 && maxRatio < 0.5:
		return -increment
	default:
		return 0
	}
}

func clamp(v, min, max int) int {
	return int(math.Max(float64(min), math.Min(float64(max), float64(v))))
}

// replacementActions derives the per-VM Actions implied by moving from
// len(members) to newDesired, bounded by the ASG's maxUnavailable /
// maxSurge. Creates are emitted as a single Create(modifier=n) rather
// than n separate Creates, matching the source's Action.modifier field.
func replacementActions(name string, asg v1alpha1.AutoscalingGroup, members []domain.Domain, newDesired int) []action.Action {
	current := len(members)
	if current == newDesired {
		return []action.Action{action.NewNull()}
	}

	host := lo.Sample(asg.Hosts)

	if newDesired > current {
		surge := newDesired - current
		if asg.Replacement.MaxSurge > 0 && surge > asg.Replacement.MaxSurge {
			surge = asg.Replacement.MaxSurge
		}
		return []action.Action{action.NewCreate(name, asg.DomainName, host, surge)}
	}

	excess := current - newDesired
	unavailable := excess
	if asg.Replacement.MaxUnavailable > 0 && unavailable > asg.Replacement.MaxUnavailable {
		unavailable = asg.Replacement.MaxUnavailable
	}

	victims := members[:unavailable]
	actions := make([]action.Action, 0, len(victims))
	for _, v := range victims {
		actions = append(actions, action.NewDelete(name, v.Name, v.Host))
	}
	return actions
}
