// Package xen implements the hypervisor.Connection contract against
// Xen hosts by exec-ing xl over SSH — Xen exposes no stable RPC
// surface comparable to libvirt or vSphere's API, so the driver talks
// to the toolstack the same way an operator's shell would.
package xen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/domain"
	"github.com/premiscale/premiscale/pkg/hypervisor"
)

func init() {
	hypervisor.Register(v1alpha1.HypervisorXen, New)
}

type driver struct {
	mu     sync.Mutex
	host   v1alpha1.Host
	client *ssh.Client
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

	auth, err := sshAuthMethod(d.host.SSHKey)
	if err != nil {
		d.state = hypervisor.StateNew
		return &hypervisor.ConnectError{Host: d.host.Name, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            d.host.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.host.Timeout.Duration(),
	}

	addr := fmt.Sprintf("%s:%d", d.host.Address, d.host.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		d.state = hypervisor.StateNew
		return &hypervisor.ConnectError{Host: d.host.Name, Err: err}
	}

	d.client = client
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
	err := d.client.Close()
	d.client = nil
	d.state = hypervisor.StateClosed
	return err
}

// sshAuthMethod loads the configured private key path. Xen hosts are
// only ever reached over key-based auth per §5's Host.SSHKey field.
func sshAuthMethod(keyPath string) (ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("xen host has no sshKey configured")
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

func (d *driver) degrade() {
	d.mu.Lock()
	d.state = hypervisor.StateDegraded
	d.mu.Unlock()
}

// run executes one command through a fresh SSH session — xl commands
// are short-lived, so a session per command is simpler than a
// long-running shell and avoids prompt-scraping.
func (d *driver) run(cmd string) (string, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return "", &hypervisor.ConnectError{Host: d.host.Name, Err: fmt.Errorf("connection not open")}
	}

	session, err := client.NewSession()
	if err != nil {
		d.degrade()
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		return "", fmt.Errorf("%s: %w: %s", cmd, err, stderr.String())
	}
	return stdout.String(), nil
}

func (d *driver) GetHostStats(ctx context.Context) (*hypervisor.HostStats, error) {
	infoOut, err := d.run("xl info")
	if err != nil {
		d.degrade()
		return nil, err
	}
	info := parseKeyValue(infoOut, ":")

	listOut, err := d.run("xl list")
	if err != nil {
		d.degrade()
		return nil, err
	}

	domains := parseXlList(listOut)
	snapshots := make([]hypervisor.DomainSnapshot, 0, len(domains))
	for _, dom := range domains {
		snapshots = append(snapshots, hypervisor.DomainSnapshot{
			Name:       dom.name,
			PowerState: xlStateToPowerState(dom.state),
		})
	}

	cpus, _ := strconv.Atoi(info["nr_cpus"])
	memKB, _ := strconv.ParseUint(info["free_memory"], 10, 64)

	return &hypervisor.HostStats{
		Hostname:       d.host.Name,
		HypervisorKind: v1alpha1.HypervisorXen,
		URI:            fmt.Sprintf("ssh://%s@%s:%d", d.host.User, d.host.Address, d.host.Port),
		HypervisorVersion: info["xen_version"],
		NodeInfo: hypervisor.NodeInfo{
			CPUs: cpus,
		},
		FreeMemoryBytes: memKB * 1024,
		Domains:         snapshots,
	}, nil
}

func (d *driver) GetHostVMStats(ctx context.Context) ([]domain.DomainStats, error) {
	listOut, err := d.run("xl list")
	if err != nil {
		d.degrade()
		return nil, err
	}

	entries := parseXlList(listOut)
	out := make([]domain.DomainStats, 0, len(entries))
	for _, e := range entries {
		if e.name == "Domain-0" {
			continue
		}
		stats := domain.DomainStats{
			Host:        d.host.Name,
			Name:        e.name,
			State:       xlStateToPowerState(e.state),
			VCPUCurrent: e.vcpus,
			VCPUMaximum: e.vcpus,
		}
		stats.Normalize()
		out = append(out, stats)
	}
	return out, nil
}

func (d *driver) CreateDomain(ctx context.Context, dom domain.Domain) error {
	cfg := domainConfig(dom)
	remotePath := fmt.Sprintf("/etc/xen/%s.cfg", dom.Name)

	if err := d.writeFile(remotePath, cfg); err != nil {
		return err
	}
	_, err := d.run(fmt.Sprintf("xl create %s", remotePath))
	return err
}

func (d *driver) writeFile(path, contents string) error {
	escaped := strings.ReplaceAll(contents, "'", `'\''`)
	_, err := d.run(fmt.Sprintf("cat > %s <<'PREMISCALE_EOF'\n%s\nPREMISCALE_EOF", path, escaped))
	return err
}

func (d *driver) CloneDomain(ctx context.Context, sourceName, destName string) error {
	_, err := d.run(fmt.Sprintf("xl create /etc/xen/%s.cfg -c name=%s", sourceName, destName))
	return err
}

func (d *driver) MigrateDomain(ctx context.Context, name, destHost string) error {
	_, err := d.run(fmt.Sprintf("xl migrate %s %s", name, destHost))
	return err
}

// DeleteDomain is a no-op success if xl already reports the domain
// absent, per §5's idempotent-delete contract.
func (d *driver) DeleteDomain(ctx context.Context, name string) error {
	out, err := d.run("xl list")
	if err != nil {
		return err
	}
	found := false
	for _, e := range parseXlList(out) {
		if e.name == name {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	_, err = d.run(fmt.Sprintf("xl destroy %s", name))
	return err
}

func domainConfig(d domain.Domain) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("name = \"%s\"\n", d.Name))
	sb.WriteString(fmt.Sprintf("vcpus = %d\n", d.VCPUCount))
	sb.WriteString(fmt.Sprintf("memory = %d\n", d.MemoryBytes/(1024*1024)))
	if d.Image != "" {
		sb.WriteString(fmt.Sprintf("disk = [ 'file:%s,xvda,w' ]\n", d.Image))
	}
	return sb.String()
}

type xlEntry struct {
	name  string
	state string
	vcpus int
}

// parseXlList parses the columnar output of `xl list`:
//   Name  ID  Mem VCPUs  State   Time(s)
func parseXlList(out string) []xlEntry {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	entries := make([]xlEntry, 0, len(lines))
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		vcpus, _ := strconv.Atoi(fields[3])
		entries = append(entries, xlEntry{
			name:  fields[0],
			state: fields[4],
			vcpus: vcpus,
		})
	}
	return entries
}

func xlStateToPowerState(s string) domain.PowerState {
	switch {
	case strings.Contains(s, "r"):
		return domain.PowerStateRunning
	case strings.Contains(s, "p"):
		return domain.PowerStatePaused
	case strings.Contains(s, "s"):
		return domain.PowerStateShutoff
	default:
		return domain.PowerStateUnknown
	}
}

// parseKeyValue splits `xl info`-style "key : value" lines into a map.
func parseKeyValue(out, sep string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, sep, 2)
		if len(parts) != 2 {
			continue
		}
		m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return m
}
