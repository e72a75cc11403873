// Package kvm implements the hypervisor.Connection contract against
// QEMU/KVM over libvirt, dialed via libvirt's own qemu+ssh:// or
// qemu+tls:// transport URIs rather than a second SSH client on top
// of it. The connect call runs under libvirt's own transport
// timeouts; host.Timeout is not applied to it.
package kvm

import (
	"context"
	"fmt"
	"sync"

	libvirtxml "libvirt.org/libvirt-go-xml"

	"libvirt.org/go/libvirt"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/hypervisor"
)

func init() {
	hypervisor.Register(v1alpha1.HypervisorKVM, New)
}

type driver struct {
	mu    sync.Mutex
	host  v1alpha1.Host
	uri   string
	conn  *libvirt.Connect
	state hypervisor.State
}

func New(host v1alpha1.Host) (hypervisor.Connection, error) {
	return &driver{
		host:  host,
		uri:   uri(host),
		state: hypervisor.StateNew,
	}, nil
}

func uri(host v1alpha1.Host) string {
	switch host.Protocol {
	case v1alpha1.ProtocolTLS:
		return fmt.Sprintf("qemu+tls://%s/system", host.Address)
	default:
		user := host.User
		if user == "" {
			user = "root"
		}
		return fmt.Sprintf("qemu+ssh://%s@%s:%d/system", user, host.Address, host.Port)
	}
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

	var (
		conn *libvirt.Connect
		err  error
	)
	if readonly {
		conn, err = libvirt.NewConnectReadOnly(d.uri)
	} else {
		conn, err = libvirt.NewConnect(d.uri)
	}
	if err != nil {
		d.state = hypervisor.StateNew
		return &hypervisor.ConnectError{Host: d.host.Name, Err: err}
	}

	d.conn = conn
	d.state = hypervisor.StateOpen
	return nil
}

// Close releases the connection. Safe to call on a never-opened or
// already-closed instance, per contract.
func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		d.state = hypervisor.StateClosed
		return nil
	}
	_, err := d.conn.Close()
	d.conn = nil
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
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	nodeInfo, err := conn.GetNodeInfo()
	if err != nil {
		d.degrade()
		return nil, err
	}

	hostname, _ := conn.GetHostname()
	libvirtVersion, _ := conn.GetLibVersion()
	caps, _ := conn.GetCapabilities()
	freeMem, _ := conn.GetFreeMemory()
	maxVCPUs, _ := conn.GetMaxVcpus("")

	domains, err := conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE | libvirt.CONNECT_LIST_DOMAINS_INACTIVE)
	if err != nil {
		d.degrade()
		return nil, err
	}
	defer func() {
		for _, dom := range domains {
			dom.Free()
		}
	}()

	snapshots := make([]hypervisor.DomainSnapshot, 0, len(domains))
	for _, dom := range domains {
		name, _ := dom.GetName()
		state, _, _ := dom.GetState()
		snapshots = append(snapshots, hypervisor.DomainSnapshot{
			Name:       name,
			PowerState: powerState(state),
		})
	}

	return &hypervisor.HostStats{
		Hostname:          hostname,
		HypervisorKind:    v1alpha1.HypervisorKVM,
		HypervisorVersion: fmt.Sprintf("%d", libvirtVersion),
		URI:               d.uri,
		Capabilities:      caps,
		NodeInfo: hypervisor.NodeInfo{
			Model:     nodeInfo.Model,
			MemoryKiB: nodeInfo.Memory,
			CPUs:      int(nodeInfo.Cpus),
			MHz:       int(nodeInfo.MHz),
			Nodes:     int(nodeInfo.Nodes),
			Sockets:   int(nodeInfo.Sockets),
			Cores:     int(nodeInfo.Cores),
			Threads:   int(nodeInfo.Threads),
		},
		MaxVCPUs:        int(maxVCPUs),
		FreeMemoryBytes: freeMem,
		Domains:         snapshots,
	}, nil
}

func powerState(s libvirt.DomainState) domain.PowerState {
	switch s {
	case libvirt.DOMAIN_RUNNING:
		return domain.PowerStateRunning
	case libvirt.DOMAIN_PAUSED:
		return domain.PowerStatePaused
	case libvirt.DOMAIN_SHUTOFF:
		return domain.PowerStateShutoff
	default:
		return domain.PowerStateUnknown
	}
}

// GetHostVMStats returns one normalized DomainStats per running
// domain.
func (d *driver) GetHostVMStats(ctx context.Context) ([]domain.DomainStats, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	domains, err := conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		d.degrade()
		return nil, err
	}
	defer func() {
		for _, dom := range domains {
			dom.Free()
		}
	}()

	out := make([]domain.DomainStats, 0, len(domains))
	for _, dom := range domains {
		stats, err := statsForDomain(&dom)
		if err != nil {
			continue
		}
		stats.Host = d.host.Name
		stats.Normalize()
		out = append(out, stats)
	}
	return out, nil
}

func statsForDomain(dom *libvirt.Domain) (domain.DomainStats, error) {
	name, err := dom.GetName()
	if err != nil {
		return domain.DomainStats{}, err
	}

	info, err := dom.GetInfo()
	if err != nil {
		return domain.DomainStats{}, err
	}

	cpuStats, err := dom.GetCPUStats(-1, 1, 0)
	var cpu domain.CPUTime
	if err == nil && len(cpuStats) > 0 {
		cpu = domain.CPUTime{
			TotalNanoseconds:  cpuStats[0].CpuTime,
			UserNanoseconds:   cpuStats[0].UserTime,
			SystemNanoseconds: cpuStats[0].SystemTime,
		}
	}

	vcpus := make([]domain.VCPUStat, 0, info.NrVirtCpu)
	if vcpuInfo, err := dom.GetVcpus(); err == nil {
		for _, v := range vcpuInfo {
			vcpus = append(vcpus, domain.VCPUStat{
				State:           vcpuStateString(v.State),
				TimeNanoseconds: v.CpuTime,
			})
		}
	}

	state, _, err := dom.GetState()
	if err != nil {
		return domain.DomainStats{}, err
	}

	return domain.DomainStats{
		Name:        name,
		State:       powerState(state),
		CPU:         cpu,
		VCPUCurrent: int(info.NrVirtCpu),
		VCPUMaximum: int(info.NrVirtCpu),
		VCPUs:       vcpus,
	}, nil
}

func vcpuStateString(s int32) string {
	switch libvirt.VcpuState(s) {
	case libvirt.VCPU_RUNNING:
		return "running"
	case libvirt.VCPU_BLOCKED:
		return "blocked"
	case libvirt.VCPU_OFFLINE:
		return "offline"
	default:
		return "unknown"
	}
}

func (d *driver) CreateDomain(ctx context.Context, dom domain.Domain) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	if existing, err := conn.LookupDomainByName(dom.Name); err == nil {
		existing.Free()
		return fmt.Errorf("domain %s already exists on host %s", dom.Name, d.host.Name)
	}

	xmlDoc := domainXML(dom)
	xmlStr, err := xmlDoc.Marshal()
	if err != nil {
		return err
	}

	created, err := conn.DomainDefineXML(xmlStr)
	if err != nil {
		return err
	}
	defer created.Free()

	return created.Create()
}

func domainXML(d domain.Domain) *libvirtxml.Domain {
	disks := make([]libvirtxml.DomainDisk, 0, len(d.Blocks))
	for i, b := range d.Blocks {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "disk",
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: b.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: fmt.Sprintf("vd%c", 'a'+i), Bus: "virtio"},
		})
	}

	ifaces := make([]libvirtxml.DomainInterface, 0, len(d.NICs))
	for _, n := range d.NICs {
		ifaces = append(ifaces, libvirtxml.DomainInterface{
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: n.BridgeName},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}

	return &libvirtxml.Domain{
		Type: "kvm",
		Name: d.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(d.MemoryBytes / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: uint(d.VCPUCount)},
		Devices: &libvirtxml.DomainDeviceList{
			Disks:      disks,
			Interfaces: ifaces,
		},
	}
}

func (d *driver) CloneDomain(ctx context.Context, sourceName, destName string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	src, err := conn.LookupDomainByName(sourceName)
	if err != nil {
		return err
	}
	defer src.Free()

	xmlStr, err := src.GetXMLDesc(0)
	if err != nil {
		return err
	}

	var parsed libvirtxml.Domain
	if err := parsed.Unmarshal(xmlStr); err != nil {
		return err
	}
	parsed.Name = destName
	parsed.UUID = ""

	renamed, err := parsed.Marshal()
	if err != nil {
		return err
	}

	created, err := conn.DomainDefineXML(renamed)
	if err != nil {
		return err
	}
	defer created.Free()
	return created.Create()
}

func (d *driver) MigrateDomain(ctx context.Context, name, destHost string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	destConn, err := libvirt.NewConnect(fmt.Sprintf("qemu+ssh://%s/system", destHost))
	if err != nil {
		return &hypervisor.ConnectError{Host: destHost, Err: err}
	}
	defer destConn.Close()

	_, err = dom.MigrateToURI3(fmt.Sprintf("qemu+ssh://%s/system", destHost), nil, libvirt.MIGRATE_LIVE|libvirt.MIGRATE_PERSIST_DEST, 0)
	return err
}

// DeleteDomain is a no-op success on a missing name, per the
// idempotence requirement in §5.
func (d *driver) DeleteDomain(ctx context.Context, name string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		if lverr, ok := err.(libvirt.Error); ok && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil
		}
		return err
	}
	defer dom.Free()

	if state, _, err := dom.GetState(); err == nil && state == libvirt.DOMAIN_RUNNING {
		if err := dom.Destroy(); err != nil {
			return err
		}
	}
	return dom.Undefine()
}
