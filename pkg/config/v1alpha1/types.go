// Package v1alpha1 defines the root configuration schema the
// controller is built against. One version is recognized per build;
// an unrecognized `version` field at the document root is a Config
// error.
package v1alpha1


const Version = "v1alpha1"

// Config is the parsed representation of the on-disk YAML document.
// Field-level `validate` tags are evaluated in Validate().
type Config struct {
	APIVersion string     `yaml:"version" validate:"required,eq=v1alpha1"`
	Controller Controller `yaml:"controller" validate:"required"`
}

type Controller struct {
	// Mode selects which subprocesses (here: goroutine components) are
	// started. See ModeStandalone et al.
	Mode          Mode          `yaml:"mode" validate:"required,oneof=standalone kubernetes standalone-external-metrics kubernetes-external-metrics"`
	Databases     Databases     `yaml:"databases" validate:"required"`
	Platform      Platform      `yaml:"platform"`
	Reconciliation Reconciliation `yaml:"reconciliation" validate:"required"`
	Autoscale     Autoscale     `yaml:"autoscale" validate:"required"`
	Healthcheck   Healthcheck   `yaml:"healthcheck"`
}

type Mode string

const (
	ModeStandalone                  Mode = "standalone"
	ModeKubernetes                  Mode = "kubernetes"
	ModeStandaloneExternalMetrics   Mode = "standalone-external-metrics"
	ModeKubernetesExternalMetrics   Mode = "kubernetes-external-metrics"
)

type Databases struct {
	CollectionInterval          Duration `yaml:"collectionInterval" validate:"required,gt=0"`
	MaxHostConnectionThreads    int           `yaml:"maxHostConnectionThreads" validate:"required,gt=0"`
	HostConnectionQueueSize     int           `yaml:"hostConnectionQueueSize"`
	HostConnectionTimeout       Duration `yaml:"hostConnectionTimeout" validate:"required,gt=0"`
	State                       State         `yaml:"state" validate:"required"`
	Timeseries                  Timeseries    `yaml:"timeseries" validate:"required"`
}

type State struct {
	Type       string `yaml:"type" validate:"required,oneof=sqlite mysql"`
	Connection string `yaml:"connection"`
}

type Timeseries struct {
	Type       string        `yaml:"type" validate:"required,oneof=memory influxdb"`
	Trailing   Duration `yaml:"trailing" validate:"required,gt=0"`
	DBFile     string        `yaml:"dbfile"`
	Connection string        `yaml:"connection"`
}

type Platform struct {
	Domain               string `yaml:"domain"`
	Token                string `yaml:"token"`
	Certificates         Certificates `yaml:"certificates"`
	ActionsQueueMaxSize  int    `yaml:"actionsQueueMaxSize" validate:"gte=0"`
}

type Certificates struct {
	Path string `yaml:"path"`
}

// Standalone reports whether the platform link should not be started:
// no token means the queue is drained and discarded in-process.
func (p Platform) Standalone() bool {
	return p.Token == ""
}

type Reconciliation struct {
	Interval Duration `yaml:"interval" validate:"required,gt=0"`
}

type Autoscale struct {
	Hosts  []Host                    `yaml:"hosts" validate:"dive"`
	Groups map[string]AutoscalingGroup `yaml:"groups" validate:"dive"`
}

type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolTLS Protocol = "tls"
)

type HypervisorKind string

const (
	HypervisorKVM HypervisorKind = "kvm"
	HypervisorESX HypervisorKind = "esx"
	HypervisorXen HypervisorKind = "xen"
)

type Host struct {
	Name       string         `yaml:"name" validate:"required"`
	Address    string         `yaml:"address" validate:"required"`
	Protocol   Protocol       `yaml:"protocol" validate:"required,oneof=ssh tls"`
	Port       int            `yaml:"port" validate:"required,gt=0,lt=65536"`
	Hypervisor HypervisorKind `yaml:"hypervisor" validate:"required,oneof=kvm esx xen"`
	User       string         `yaml:"user"`
	SSHKey     string         `yaml:"sshKey"`
	Timeout    Duration  `yaml:"timeout"`
	Resources  Resources      `yaml:"resources"`
}

type Resources struct {
	CPUCores     int   `yaml:"cpuCores" validate:"gte=0"`
	MemoryBytes  int64 `yaml:"memoryBytes" validate:"gte=0"`
	StorageBytes int64 `yaml:"storageBytes" validate:"gte=0"`
}

type ReplacementStrategy string

const (
	ReplacementRollingUpdate ReplacementStrategy = "rolling"
	ReplacementImmediate     ReplacementStrategy = "immediate"
)

type Replacement struct {
	Strategy       ReplacementStrategy `yaml:"strategy" validate:"omitempty,oneof=rolling immediate"`
	MaxUnavailable int                 `yaml:"maxUnavailable" validate:"gte=0"`
	MaxSurge       int                 `yaml:"maxSurge" validate:"gte=0"`
}

type Networking struct {
	Bridge  string   `yaml:"bridge"`
	Subnets []string `yaml:"subnets,omitempty"`
}

type ScalingMethod string

const (
	ScalingMethodUtilization ScalingMethod = "utilization"
)

type ResourceKind string

const (
	ResourceCPU    ResourceKind = "cpu"
	ResourceMemory ResourceKind = "memory"
	ResourceNet    ResourceKind = "net"
	ResourceBlock  ResourceKind = "block"
)

type Scaling struct {
	Method             ScalingMethod         `yaml:"method" validate:"required,oneof=utilization"`
	Increment          int                   `yaml:"increment" validate:"required,gt=0"`
	Cooldown           Duration         `yaml:"cooldown" validate:"gte=0"`
	TargetUtilization  map[ResourceKind]float64 `yaml:"targetUtilization" validate:"required"`
}

type AutoscalingGroup struct {
	Min                 int         `yaml:"min" validate:"gte=0"`
	Max                 int         `yaml:"max" validate:"required,gtefield=Min"`
	Desired             int         `yaml:"desired" validate:"gtefield=Min,ltefield=Max"`
	Image               string      `yaml:"image" validate:"required"`
	DomainName          string      `yaml:"domainName" validate:"required"`
	ImageMigrationType  string      `yaml:"imageMigrationType"`
	CloudInit           string      `yaml:"cloudInit"`
	Hosts               []string    `yaml:"hosts" validate:"required,min=1"`
	Replacement         Replacement `yaml:"replacement"`
	Networking          Networking  `yaml:"networking"`
	Scaling             Scaling     `yaml:"scaling" validate:"required"`
}

type Healthcheck struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lt=65536"`
}
