package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		desc         string
		changeConfig func(*Config)
		errMsg       string
	}{
		{
			desc:         "Valid config with ListenAddr",
			changeConfig: func(*Config) {},
		},
		{
			desc: "Valid config with TLSListenAddr",
			changeConfig: func(cfg *Config) {
				cfg.ListenAddr = ""
				cfg.TLSListenAddr = "tls://localhost:4321"
			},
		},
		{
			desc: "Valid config with SocketPath",
			changeConfig: func(cfg *Config) {
				cfg.ListenAddr = ""
				cfg.SocketPath = "/tmp/warden.socket"
			},
		},
		{
			desc: "No ListenAddr or SocketPath or TLSListenAddr",
			changeConfig: func(cfg *Config) {
				cfg.ListenAddr = ""
			},
			errMsg: "no listen address or socket path configured",
		},
		{
			desc: "No tiers",
			changeConfig: func(cfg *Config) {
				cfg.Tiers = nil
			},
			errMsg: "no storage tiers configured",
		},
		{
			desc: "Tier without a name",
			changeConfig: func(cfg *Config) {
				cfg.Tiers = []*Tier{{Name: "", RequiredCount: 3}}
			},
			errMsg: "storage tiers must have a name",
		},
		{
			desc: "Tier not unique",
			changeConfig: func(cfg *Config) {
				cfg.Tiers = []*Tier{
					{Name: "free", RequiredCount: 3},
					{Name: "free", RequiredCount: 5},
				}
			},
			errMsg: `tier "free": storage tiers must have unique names`,
		},
		{
			desc: "Tier without replicas",
			changeConfig: func(cfg *Config) {
				cfg.Tiers = []*Tier{{Name: "free", RequiredCount: 0}}
			},
			errMsg: `tier "free": storage tiers must require at least one replica`,
		},
		{
			desc: "Inverted reputation bounds",
			changeConfig: func(cfg *Config) {
				cfg.Reputation = Reputation{Minimum: 100, Maximum: 0, Initial: 50, Threshold: 25}
			},
			errMsg: "reputation minimum must be below maximum",
		},
		{
			desc: "Initial reputation out of bounds",
			changeConfig: func(cfg *Config) {
				cfg.Reputation = Reputation{Minimum: 0, Maximum: 100, Initial: 150, Threshold: 25}
			},
			errMsg: "initial reputation 150 outside of bounds [0, 100]",
		},
		{
			desc: "Placement threshold out of bounds",
			changeConfig: func(cfg *Config) {
				cfg.Reputation = Reputation{Minimum: 0, Maximum: 100, Initial: 50, Threshold: -1}
			},
			errMsg: "placement threshold -1 outside of bounds [0, 100]",
		},
		{
			desc: "Zero heartbeat interval",
			changeConfig: func(cfg *Config) {
				cfg.Registry.HeartbeatInterval = 0
			},
			errMsg: "registry heartbeat interval was 0s but must be positive",
		},
		{
			desc: "Zero missed heartbeats",
			changeConfig: func(cfg *Config) {
				cfg.Registry.MissedHeartbeats = 0
			},
			errMsg: "registry missed heartbeats was 0 but must be >=1",
		},
		{
			desc: "Invalid repair batch size",
			changeConfig: func(cfg *Config) {
				cfg.Repair.BatchSize = 0
			},
			errMsg: "repair batch size was 0 but must be >=1",
		},
		{
			desc: "Invalid verification concurrency",
			changeConfig: func(cfg *Config) {
				cfg.Verification.Concurrency = 0
			},
			errMsg: "verification concurrency was 0 but must be >=1",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			config := Config{
				ListenAddr:   "localhost:1234",
				Registry:     DefaultRegistryConfig(),
				Reputation:   DefaultReputationConfig(),
				Verification: DefaultVerificationConfig(),
				Repair:       DefaultRepairConfig(),
				Pins:         DefaultPinsConfig(),
				Tiers:        DefaultTiers(),
			}

			tc.changeConfig(&config)

			err := config.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestConfigParsing(t *testing.T) {
	testCases := []struct {
		desc     string
		filePath string
		expected Config
	}{
		{
			desc:     "check all configuration values",
			filePath: "testdata/config.toml",
			expected: Config{
				ListenAddr:           "0.0.0.0:2305",
				PrometheusListenAddr: "0.0.0.0:9236",
				Prometheus: Prometheus{
					ScrapeTimeout:      time.Second,
					GRPCLatencyBuckets: []float64{0.1, 0.2, 0.3},
				},
				Logging: Logging{
					Level:  "info",
					Format: "json",
					Sentry: Sentry{
						DSN:         "abcd123",
						Environment: "production",
					},
				},
				DB: DB{
					Host:     "1.2.3.4",
					Port:     5432,
					User:     "warden",
					Password: "db-secret",
					DBName:   "hyrule_warden",
					SSLMode:  "require",
					SessionPooled: DBConnection{
						Host: "2.3.4.5",
						Port: 6432,
					},
				},
				Registry: Registry{
					HeartbeatInterval: Duration(90 * time.Second),
					MissedHeartbeats:  4,
					SweepInterval:     Duration(30 * time.Second),
				},
				Reputation: Reputation{
					Minimum:   0,
					Maximum:   100,
					Initial:   40,
					Threshold: 20,
				},
				Verification: Verification{
					Interval:         Duration(12 * time.Hour),
					RunInterval:      Duration(2 * time.Minute),
					ChallengeTimeout: Duration(5 * time.Second),
					Concurrency:      4,
					BatchSize:        10,
				},
				Repair: Repair{
					RunInterval:     Duration(45 * time.Second),
					TransferTimeout: Duration(10 * time.Minute),
					BatchSize:       20,
					Attempts:        5,
				},
				Pins: Pins{Floor: 7},
				Tiers: []*Tier{
					{Name: "free", RequiredCount: 3},
					{Name: "paid", RequiredCount: 5, RequireAnchor: true},
				},
				MemoryQueueEnabled:  true,
				GracefulStopTimeout: Duration(30 * time.Second),
			},
		},
		{
			desc:     "overwriting default values in the config",
			filePath: "testdata/config.overwritedefaults.toml",
			expected: Config{
				GracefulStopTimeout: Duration(time.Minute),
				Registry: Registry{
					HeartbeatInterval: Duration(time.Minute),
					MissedHeartbeats:  3,
					SweepInterval:     Duration(time.Minute),
				},
				Reputation:   DefaultReputationConfig(),
				Verification: DefaultVerificationConfig(),
				Repair:       DefaultRepairConfig(),
				Pins:         DefaultPinsConfig(),
				Prometheus:   DefaultPrometheusConfig(),
				Tiers: []*Tier{
					{Name: "solo", RequiredCount: 1},
				},
			},
		},
		{
			desc:     "empty config yields defaults",
			filePath: "testdata/config.empty.toml",
			expected: Config{
				GracefulStopTimeout: Duration(time.Minute),
				Registry:            DefaultRegistryConfig(),
				Reputation:          DefaultReputationConfig(),
				Verification:        DefaultVerificationConfig(),
				Repair:              DefaultRepairConfig(),
				Pins:                DefaultPinsConfig(),
				Prometheus:          DefaultPrometheusConfig(),
				Tiers:               DefaultTiers(),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := FromFile(tc.filePath)
			require.NoError(t, err)
			require.Equal(t, tc.expected, cfg)
		})
	}
}

func TestFromFile_nonExisting(t *testing.T) {
	_, err := FromFile("testdata/not-existing-file.toml")
	require.True(t, os.IsNotExist(err))
}

func TestStalenessThreshold(t *testing.T) {
	registry := Registry{
		HeartbeatInterval: Duration(2 * time.Minute),
		MissedHeartbeats:  3,
	}
	require.Equal(t, 6*time.Minute, registry.StalenessThreshold())
}

func TestTierLookup(t *testing.T) {
	cfg := Config{Tiers: DefaultTiers()}

	require.Equal(t, Tier{Name: "paid", RequiredCount: 5, RequireAnchor: true}, cfg.Tier("paid"))

	// unknown tiers fall back to the first configured tier
	require.Equal(t, Tier{Name: "free", RequiredCount: 3}, cfg.Tier("metered"))

	require.Equal(t, []string{"free", "paid"}, cfg.TierNames())
}
