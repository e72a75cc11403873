// Package dispatcher implements the AutoscalerDispatcher component: it
// consumes Actions from the ASG queue, serializes execution per ASG
// through a single-slot mailbox, invokes hypervisor write operations,
// and emits audit records onto the platform queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/action"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/hypervisor"
	"github.com/premiscale/premiscale/pkg/perrors"
	"github.com/premiscale/premiscale/pkg/platform"
)

// lane is a per-ASG single-slot mailbox: at most one Action for a
// given ASG executes at a time, giving per-ASG FIFO without
// serializing the whole dispatcher.
type lane struct {
	mu sync.Mutex
}

// Dispatcher owns the ASG queue consumer loop and a connection pool
// keyed by host name.
type Dispatcher struct {
	log *zap.SugaredLogger

	hosts map[string]v1alpha1.Host

	lanesMu sync.Mutex
	lanes   map[string]*lane

	connsMu sync.Mutex
	conns   map[string]hypervisor.Connection

	platformOut chan<- platform.Envelope
}

func New(log *zap.SugaredLogger, hosts []v1alpha1.Host, platformOut chan<- platform.Envelope) *Dispatcher {
	byName := make(map[string]v1alpha1.Host, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}
	return &Dispatcher{
		log:         log,
		hosts:       byName,
		lanes:       make(map[string]*lane),
		conns:       make(map[string]hypervisor.Connection),
		platformOut: platformOut,
	}
}

// Run drains in, executing each Action's ASG lane concurrently with
// others (per-ASG serialization, cross-ASG parallelism).
func (d *Dispatcher) Run(ctx context.Context, in <-chan action.Action) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-in:
			if !ok {
				return nil
			}
			if a.Kind == action.Null {
				continue
			}
			wg.Add(1)
			go func(a action.Action) {
				defer wg.Done()
				d.execute(ctx, a)
			}(a)
		}
	}
}

func (d *Dispatcher) laneFor(asg string) *lane {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	l, ok := d.lanes[asg]
	if !ok {
		l = &lane{}
		d.lanes[asg] = l
	}
	return l
}

func (d *Dispatcher) connFor(hostName string) (hypervisor.Connection, error) {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()

	if conn, ok := d.conns[hostName]; ok {
		return conn, nil
	}

	h, ok := d.hosts[hostName]
	if !ok {
		return nil, perrors.NewConfig("dispatcher: unknown host %q", hostName)
	}

	conn, err := hypervisor.New(h)
	if err != nil {
		return nil, err
	}
	d.conns[hostName] = conn
	return conn, nil
}

// execute acquires the Action's ASG lane, runs the hypervisor write
// call with bounded retry, and always emits an audit record.
func (d *Dispatcher) execute(ctx context.Context, a action.Action) {
	l := d.laneFor(a.ASG)
	l.mu.Lock()
	defer l.mu.Unlock()

	record := platform.AuditRecord{
		ID:        uuid.NewString(),
		Action:    a.Kind,
		ASG:       a.ASG,
		VM:        a.VM,
		StartedAt: time.Now().UTC(),
	}
	if a.DestHost != "" {
		record.Host = a.DestHost
	} else {
		record.Host = a.SourceHost
	}

	err := retry.Do(
		func() error { return d.invoke(ctx, a) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	record.FinishedAt = time.Now().UTC()
	if err != nil {
		record.Outcome = platform.OutcomeFailed
		record.Error = err.Error()
		d.log.Warnw("action execution failed after retries", "action", a.String(), "error", err)
	} else {
		record.Outcome = platform.OutcomeSucceeded
	}

	d.emit(ctx, record)
}

func (d *Dispatcher) emit(ctx context.Context, record platform.AuditRecord) {
	env := platform.Envelope{Kind: platform.EnvelopeAudit, Audit: record}
	select {
	case d.platformOut <- env:
	case <-ctx.Done():
	}
}

// invoke maps an Action variant to its hypervisor write call. Replace
// is implemented as a constrained (Delete, Create) pair per the
// Open Question resolved in DESIGN.md. No maxUnavailable/maxSurge
// check is applied here, and the Reconciler does not emit Replace
// actions.
func (d *Dispatcher) invoke(ctx context.Context, a action.Action) error {
	switch a.Kind {
	case action.Create:
		conn, err := d.connFor(a.DestHost)
		if err != nil {
			return err
		}
		if err := conn.Open(ctx, false); err != nil {
			return err
		}
		defer conn.Close()

		// Modifier is the count of VMs this Create represents (Combine
		// sums it when a cycle folds several Creates for one VM); each one needs a distinct domain name
		// or every instance but the first collides on creation.
		count := a.Modifier
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("%s-%s", a.VM, uuid.NewString()[:8])
			if err := conn.CreateDomain(ctx, domain.Domain{Host: a.DestHost, Name: name, ASG: a.ASG}); err != nil {
				return err
			}
		}
		return nil

	case action.Clone:
		conn, err := d.connFor(a.SourceHost)
		if err != nil {
			return err
		}
		if err := conn.Open(ctx, false); err != nil {
			return err
		}
		defer conn.Close()
		return conn.CloneDomain(ctx, a.VM, a.VM+"-clone")

	case action.Migrate:
		conn, err := d.connFor(a.SourceHost)
		if err != nil {
			return err
		}
		if err := conn.Open(ctx, false); err != nil {
			return err
		}
		defer conn.Close()
		return conn.MigrateDomain(ctx, a.VM, a.DestHost)

	case action.Replace:
		if err := d.deleteOn(ctx, a.SourceHost, a.VM); err != nil {
			return err
		}
		return d.createOn(ctx, a.DestHost, a.VM, a.ASG)

	case action.Delete:
		return d.deleteOn(ctx, a.SourceHost, a.VM)

	default:
		return nil
	}
}

func (d *Dispatcher) deleteOn(ctx context.Context, host, vm string) error {
	conn, err := d.connFor(host)
	if err != nil {
		return err
	}
	if err := conn.Open(ctx, false); err != nil {
		return err
	}
	defer conn.Close()
	return conn.DeleteDomain(ctx, vm)
}

func (d *Dispatcher) createOn(ctx context.Context, host, vm, asg string) error {
	conn, err := d.connFor(host)
	if err != nil {
		return err
	}
	if err := conn.Open(ctx, false); err != nil {
		return err
	}
	defer conn.Close()
	return conn.CreateDomain(ctx, domain.Domain{Host: host, Name: vm, ASG: asg})
}
