package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// Duration is a trick to let our TOML library parse durations from strings.
type Duration time.Duration

// Duration converts the config value to a time.Duration.
func (d *Duration) Duration() time.Duration {
	if d != nil {
		return time.Duration(*d)
	}
	return 0
}

// UnmarshalText parses a duration string such as "5m" or "24h".
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

// MarshalText serializes the duration back into its string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Registry contains node registry specific configuration options.
type Registry struct {
	// HeartbeatInterval is the cadence nodes are expected to report
	// themselves on.
	HeartbeatInterval Duration `toml:"heartbeat_interval,omitempty"`
	// MissedHeartbeats is the number of heartbeat intervals a node may
	// stay silent for before the sweep marks it stale.
	MissedHeartbeats int `toml:"missed_heartbeats,omitempty"`
	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval Duration `toml:"sweep_interval,omitempty"`
}

// DefaultRegistryConfig returns the default values for registry configuration.
func DefaultRegistryConfig() Registry {
	return Registry{
		HeartbeatInterval: Duration(2 * time.Minute),
		MissedHeartbeats:  3,
		SweepInterval:     Duration(time.Minute),
	}
}

// StalenessThreshold is the silence period after which a node counts as stale.
func (r Registry) StalenessThreshold() time.Duration {
	return time.Duration(r.MissedHeartbeats) * r.HeartbeatInterval.Duration()
}

// Reputation contains the bounds and penalties of the node trust score.
type Reputation struct {
	Minimum int `toml:"minimum,omitempty"`
	Maximum int `toml:"maximum,omitempty"`
	// Initial is the score assigned to freshly registered nodes.
	Initial int `toml:"initial,omitempty"`
	// Threshold is the minimum score a node must hold to receive new
	// replica assignments.
	Threshold int `toml:"threshold,omitempty"`
}

// DefaultReputationConfig returns the default values for reputation configuration.
func DefaultReputationConfig() Reputation {
	return Reputation{Minimum: 0, Maximum: 100, Initial: 50, Threshold: 25}
}

// Verification contains verification scheduler specific configuration options.
type Verification struct {
	// Interval is the age after which a replica is due for re-verification.
	Interval Duration `toml:"interval,omitempty"`
	// RunInterval is the cadence of the scheduler loop. If set to 0 the
	// verification loop is disabled.
	RunInterval Duration `toml:"run_interval,omitempty"`
	// ChallengeTimeout bounds a single challenge round trip.
	ChallengeTimeout Duration `toml:"challenge_timeout,omitempty"`
	// Concurrency is the number of nodes challenged in parallel.
	Concurrency int `toml:"concurrency,omitempty"`
	// BatchSize controls how many due replicas are loaded per cycle.
	BatchSize int `toml:"batch_size,omitempty"`
}

// DefaultVerificationConfig returns the default values for verification configuration.
func DefaultVerificationConfig() Verification {
	return Verification{
		Interval:         Duration(24 * time.Hour),
		RunInterval:      Duration(5 * time.Minute),
		ChallengeTimeout: Duration(10 * time.Second),
		Concurrency:      10,
		BatchSize:        25,
	}
}

// Repair contains repair engine specific configuration options.
type Repair struct {
	// RunInterval is the cadence of the repair loop. If set to 0 the
	// repair loop is disabled.
	RunInterval Duration `toml:"run_interval,omitempty"`
	// TransferTimeout bounds a single replication work order.
	TransferTimeout Duration `toml:"transfer_timeout,omitempty"`
	// BatchSize controls how many repair events to dequeue and lock
	// in a single call to the database.
	BatchSize int `toml:"batch_size,omitempty"`
	// Attempts is the number of processing attempts an event gets
	// before it is marked dead.
	Attempts int `toml:"attempts,omitempty"`
}

// DefaultRepairConfig returns the default values for repair configuration.
func DefaultRepairConfig() Repair {
	return Repair{
		RunInterval:     Duration(time.Minute),
		TransferTimeout: Duration(5 * time.Minute),
		BatchSize:       10,
		Attempts:        3,
	}
}

// Pins contains pin policy configuration options.
type Pins struct {
	// Floor is the minimum replica count enforced for a repository while
	// at least one pin exists for it.
	Floor int `toml:"floor,omitempty"`
}

// DefaultPinsConfig returns the default values for pin configuration.
func DefaultPinsConfig() Pins {
	return Pins{Floor: 5}
}

// Tier maps a storage tier name to its durability requirements.
type Tier struct {
	Name string `toml:"name,omitempty"`
	// RequiredCount is the replica count repositories of this tier must hold.
	RequiredCount int `toml:"required_count,omitempty"`
	// RequireAnchor demands at least one replica on an anchor node.
	RequireAnchor bool `toml:"require_anchor,omitempty"`
}

// DefaultTiers returns the tier set used when the config file does not
// declare any.
func DefaultTiers() []*Tier {
	return []*Tier{
		{Name: "free", RequiredCount: 3},
		{Name: "paid", RequiredCount: 5, RequireAnchor: true},
	}
}

// TLS configuration for the TLS listener.
type TLS struct {
	CertPath string `toml:"certificate_path,omitempty"`
	KeyPath  string `toml:"key_path,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	ListenAddr           string       `toml:"listen_addr,omitempty"`
	TLSListenAddr        string       `toml:"tls_listen_addr,omitempty"`
	TLS                  TLS          `toml:"tls,omitempty"`
	SocketPath           string       `toml:"socket_path,omitempty"`
	PrometheusListenAddr string       `toml:"prometheus_listen_addr,omitempty"`
	Prometheus           Prometheus   `toml:"prometheus,omitempty"`
	Logging              Logging      `toml:"logging,omitempty"`
	DB                   DB           `toml:"database,omitempty"`
	Registry             Registry     `toml:"registry,omitempty"`
	Reputation           Reputation   `toml:"reputation,omitempty"`
	Verification         Verification `toml:"verification,omitempty"`
	Repair               Repair       `toml:"repair,omitempty"`
	Pins                 Pins         `toml:"pins,omitempty"`
	Tiers                []*Tier      `toml:"tier,omitempty"`
	MemoryQueueEnabled   bool         `toml:"memory_queue_enabled,omitempty"`
	GracefulStopTimeout  Duration     `toml:"graceful_stop_timeout,omitempty"`
}

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Registry:     DefaultRegistryConfig(),
		Reputation:   DefaultReputationConfig(),
		Verification: DefaultVerificationConfig(),
		Repair:       DefaultRepairConfig(),
		Pins:         DefaultPinsConfig(),
		Prometheus:   DefaultPrometheusConfig(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	// Environment variables take precedence over the file so that the
	// database password does not need to live on disk.
	if err := envconfig.Process("warden", conf); err != nil {
		return Config{}, fmt.Errorf("envconfig: %v", err)
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errNoListener          = errors.New("no listen address or socket path configured")
	errNoTiers             = errors.New("no storage tiers configured")
	errTierUnnamed         = errors.New("storage tiers must have a name")
	errTiersNotUnique      = errors.New("storage tiers must have unique names")
	errTierWithoutReplicas = errors.New("storage tiers must require at least one replica")
	errReputationBounds    = errors.New("reputation minimum must be below maximum")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" && c.SocketPath == "" && c.TLSListenAddr == "" {
		return errNoListener
	}

	if len(c.Tiers) == 0 {
		return errNoTiers
	}

	tiers := make(map[string]struct{}, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Name == "" {
			return errTierUnnamed
		}

		if _, ok := tiers[tier.Name]; ok {
			return fmt.Errorf("tier %q: %w", tier.Name, errTiersNotUnique)
		}
		tiers[tier.Name] = struct{}{}

		if tier.RequiredCount < 1 {
			return fmt.Errorf("tier %q: %w", tier.Name, errTierWithoutReplicas)
		}
	}

	if c.Reputation.Minimum >= c.Reputation.Maximum {
		return errReputationBounds
	}

	if c.Reputation.Initial < c.Reputation.Minimum || c.Reputation.Initial > c.Reputation.Maximum {
		return fmt.Errorf("initial reputation %d outside of bounds [%d, %d]",
			c.Reputation.Initial, c.Reputation.Minimum, c.Reputation.Maximum)
	}

	if c.Reputation.Threshold < c.Reputation.Minimum || c.Reputation.Threshold > c.Reputation.Maximum {
		return fmt.Errorf("placement threshold %d outside of bounds [%d, %d]",
			c.Reputation.Threshold, c.Reputation.Minimum, c.Reputation.Maximum)
	}

	if c.Registry.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("registry heartbeat interval was %s but must be positive", c.Registry.HeartbeatInterval.Duration())
	}

	if c.Registry.MissedHeartbeats < 1 {
		return fmt.Errorf("registry missed heartbeats was %d but must be >=1", c.Registry.MissedHeartbeats)
	}

	if c.Repair.BatchSize < 1 {
		return fmt.Errorf("repair batch size was %d but must be >=1", c.Repair.BatchSize)
	}

	if c.Verification.Concurrency < 1 {
		return fmt.Errorf("verification concurrency was %d but must be >=1", c.Verification.Concurrency)
	}

	return nil
}

// NeedsSQL returns true if the driver for SQL needs to be initialized
func (c *Config) NeedsSQL() bool {
	return !c.MemoryQueueEnabled
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
}

// Tier resolves a tier by name. Unknown tiers fall back to the first
// configured tier so that repositories with a stray tier label still
// receive the base durability guarantee.
func (c *Config) Tier(name string) Tier {
	for _, tier := range c.Tiers {
		if tier.Name == name {
			return *tier
		}
	}

	return *c.Tiers[0]
}

// TierNames returns names of all tiers configured.
func (c *Config) TierNames() []string {
	names := make([]string, len(c.Tiers))
	for i, tier := range c.Tiers {
		names[i] = tier.Name
	}
	return names
}

// DBConnection holds Postgres client configuration data.
type DBConnection struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty" envconfig:"db_password"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`

	// SessionPooled configures a direct connection that bypasses an
	// intermediate connection pooler such as PgBouncer. Listen/notify
	// and advisory locking require session semantics.
	SessionPooled DBConnection `toml:"session_pooled,omitempty"`
}
