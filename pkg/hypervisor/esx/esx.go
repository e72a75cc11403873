// Package esx implements the hypervisor.Connection contract against
// VMware ESX/vCenter using govmomi, the client library the
// cluster-api-provider-vsphere teacher's own ecosystem is built on.
package esx

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/hypervisor"
)

func init() {
	hypervisor.Register(v1alpha1.HypervisorESX, New)
}

type driver struct {
	mu     sync.Mutex
	host   v1alpha1.Host
	client *govmomi.Client
	finder *find.Finder
	state  hypervisor.State
}

func New(host v1alpha1.Host) (hypervisor.Connection, error) {
	return &driver{host: host, state: hypervisor.StateNew}, nil
}

func (d *driver) State() hypervisor.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *driver) Open(ctx context.Context, readonly bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = hypervisor.StateOpening

	u, err := url.Parse(fmt.Sprintf("https://%s:%d/sdk", d.host.Address, d.host.Port))
	if err != nil {
		d.state = hypervisor.StateNew
		return &hypervisor.ConnectError{Host: d.host.Name, Err: err}
	}
	u.User = url.UserPassword(d.host.User, "")

	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		d.state = hypervisor.StateNew
		return &hypervisor.ConnectError{Host: d.host.Name, Err: err}
	}

	d.client = client
	d.finder = find.NewFinder(client.Client, true)
	d.state = hypervisor.StateOpen
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		d.state = hypervisor.StateClosed
		return nil
	}
	err := d.client.Logout(context.Background())
	d.client = nil
	d.state = hypervisor.StateClosed
	return err
}

func (d *driver) degrade() {
	d.mu.Lock()
	d.state = hypervisor.StateDegraded
	d.mu.Unlock()
}

func (d *driver) GetHostStats(ctx context.Context) (*hypervisor.HostStats, error) {
	d.mu.Lock()
	client, finder := d.client, d.finder
	d.mu.Unlock()
	if client == nil {
		return nil, &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	esxHost, err := finder.DefaultHostSystem(ctx)
	if err != nil {
		d.degrade()
		return nil, err
	}

	var mh mo.HostSystem
	if err := esxHost.Properties(ctx, esxHost.Reference(), []string{"summary", "hardware"}, &mh); err != nil {
		d.degrade()
		return nil, err
	}

	vms, err := finder.VirtualMachineList(ctx, "*")
	if err != nil {
		d.degrade()
		return nil, err
	}

	snapshots := make([]hypervisor.DomainSnapshot, 0, len(vms))
	for _, vm := range vms {
		var mvm mo.VirtualMachine
		if err := vm.Properties(ctx, vm.Reference(), []string{"summary"}, &mvm); err != nil {
			continue
		}
		snapshots = append(snapshots, hypervisor.DomainSnapshot{
			Name:       mvm.Summary.Config.Name,
			PowerState: powerState(mvm.Summary.Runtime.PowerState),
		})
	}

	return &hypervisor.HostStats{
		Hostname:       mh.Summary.Config.Name,
		HypervisorKind: v1alpha1.HypervisorESX,
		URI:            client.URL().String(),
		NodeInfo: hypervisor.NodeInfo{
			CPUs: int(mh.Hardware.NumCpuCores),
		},
		MaxVCPUs:        int(mh.Hardware.NumCpuThreads),
		FreeMemoryBytes: uint64(mh.Hardware.MemorySize) - uint64(mh.Summary.QuickStats.OverallMemoryUsage)*1024*1024,
		Domains:         snapshots,
	}, nil
}

func powerState(s types.VirtualMachinePowerState) domain.PowerState {
	switch s {
	case types.VirtualMachinePowerStatePoweredOn:
		return domain.PowerStateRunning
	case types.VirtualMachinePowerStatePoweredOff:
		return domain.PowerStateShutoff
	case types.VirtualMachinePowerStateSuspended:
		return domain.PowerStatePaused
	default:
		return domain.PowerStateUnknown
	}
}

func (d *driver) GetHostVMStats(ctx context.Context) ([]domain.DomainStats, error) {
	d.mu.Lock()
	finder := d.finder
	d.mu.Unlock()
	if finder == nil {
		return nil, &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	vms, err := finder.VirtualMachineList(ctx, "*")
	if err != nil {
		d.degrade()
		return nil, err
	}

	out := make([]domain.DomainStats, 0, len(vms))
	for _, vm := range vms {
		var mvm mo.VirtualMachine
		if err := vm.Properties(ctx, vm.Reference(), []string{"summary", "guest"}, &mvm); err != nil {
			continue
		}
		if mvm.Summary.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOn {
			continue
		}

		stats := domain.DomainStats{
			Host:        d.host.Name,
			Name:        mvm.Summary.Config.Name,
			State:       powerState(mvm.Summary.Runtime.PowerState),
			VCPUCurrent: int(mvm.Summary.Config.NumCpu),
			VCPUMaximum: int(mvm.Summary.Config.NumCpu),
			CPU: domain.CPUTime{
				TotalNanoseconds: uint64(mvm.Summary.QuickStats.OverallCpuUsage) * 1_000_000,
			},
		}
		stats.Normalize()
		out = append(out, stats)
	}
	return out, nil
}

func (d *driver) CreateDomain(ctx context.Context, dom domain.Domain) error {
	d.mu.Lock()
	finder := d.finder
	d.mu.Unlock()
	if finder == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	if existing, err := finder.VirtualMachine(ctx, dom.Name); err == nil && existing != nil {
		return fmt.Errorf("domain %s already exists on host %s", dom.Name, d.host.Name)
	}

	pool, err := finder.DefaultResourcePool(ctx)
	if err != nil {
		return err
	}
	folder, err := finder.DefaultFolder(ctx)
	if err != nil {
		return err
	}

	spec := types.VirtualMachineConfigSpec{
		Name:     dom.Name,
		NumCPUs:  int32(dom.VCPUCount),
		MemoryMB: dom.MemoryBytes / (1024 * 1024),
		GuestId:  "otherGuest64",
	}

	task, err := folder.CreateVM(ctx, spec, pool, nil)
	if err != nil {
		return err
	}
	return task.Wait(ctx)
}

func (d *driver) CloneDomain(ctx context.Context, sourceName, destName string) error {
	d.mu.Lock()
	finder := d.finder
	d.mu.Unlock()
	if finder == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	src, err := finder.VirtualMachine(ctx, sourceName)
	if err != nil {
		return err
	}

	folder, err := finder.DefaultFolder(ctx)
	if err != nil {
		return err
	}
	pool, err := finder.DefaultResourcePool(ctx)
	if err != nil {
		return err
	}
	poolRef := pool.Reference()

	task, err := src.Clone(ctx, folder, destName, types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{Pool: &poolRef},
	})
	if err != nil {
		return err
	}
	return task.Wait(ctx)
}

func (d *driver) MigrateDomain(ctx context.Context, name, destHost string) error {
	d.mu.Lock()
	finder := d.finder
	d.mu.Unlock()
	if finder == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	vm, err := finder.VirtualMachine(ctx, name)
	if err != nil {
		return err
	}

	destEsxHost, err := finder.HostSystem(ctx, destHost)
	if err != nil {
		return err
	}
	hostRef := destEsxHost.Reference()

	task, err := vm.Relocate(ctx, types.VirtualMachineRelocateSpec{Host: &hostRef}, types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return err
	}
	return task.Wait(ctx)
}

// DeleteDomain is a no-op success on a missing name, per §5.
func (d *driver) DeleteDomain(ctx context.Context, name string) error {
	d.mu.Lock()
	finder := d.finder
	d.mu.Unlock()
	if finder == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	vm, err := finder.VirtualMachine(ctx, name)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil
		}
		return err
	}

	powerTask, err := vm.PowerOff(ctx)
	if err == nil {
		_ = powerTask.Wait(ctx)
	}

	destroyTask, err := vm.Destroy(ctx)
	if err != nil {
		return err
	}
	return destroyTask.Wait(ctx)
}
