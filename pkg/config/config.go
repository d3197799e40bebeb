package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/magpie/pkg/types"
)

// Config is the full node configuration loaded from YAML
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Crawler  CrawlerConfig  `yaml:"crawler"`
	HA       HAConfig       `yaml:"ha"`
	Sync     SyncConfig     `yaml:"sync"`
	Failover FailoverConfig `yaml:"failover"`
}

// ServerConfig configures the two HTTP listeners
type ServerConfig struct {
	APIPort int `yaml:"api_port"` // control plane
	RPCPort int `yaml:"rpc_port"` // inter-node surface, defaults to api_port+1
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CrawlerConfig configures the crawl engine
type CrawlerConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxDepth      int    `yaml:"max_depth"`
	MaxImages     int    `yaml:"max_images"`
	MaxPages      int    `yaml:"max_pages"`
	DownloadPath  string `yaml:"download_path"`
	StatePath     string `yaml:"state_path"`

	AntiScraping AntiScrapingConfig `yaml:"anti_scraping"`
}

// AntiScrapingConfig configures the session transport countermeasures
type AntiScrapingConfig struct {
	UseRandomUserAgent bool     `yaml:"use_random_user_agent"`
	RandomizeHeaders   bool     `yaml:"randomize_headers"`
	UseProxy           bool     `yaml:"use_proxy"`
	ProxyList          []string `yaml:"proxy_list"`
	RandomDelay        bool     `yaml:"random_delay"`
	MinDelay           float64  `yaml:"min_delay"` // seconds
	MaxDelay           float64  `yaml:"max_delay"` // seconds
	MaxRetries         int      `yaml:"max_retries"`
	RequestTimeout     int      `yaml:"request_timeout"` // seconds
}

// NodeConfig describes one database node of the cluster
type NodeConfig struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Priority    int    `yaml:"priority"`
	Address     string `yaml:"address"`
	DatabaseURL string `yaml:"database_url"`
}

// HAConfig configures the cluster topology
type HAConfig struct {
	Nodes          []NodeConfig `yaml:"nodes"`
	LocalNodeName  string       `yaml:"local_node_name"`
	MaxConnections int          `yaml:"max_connections"`
}

// SyncConfig configures the replication machinery
type SyncConfig struct {
	AutoSyncEnabled     bool     `yaml:"auto_sync_enabled"`
	FullSyncInterval    int      `yaml:"full_sync_interval"`        // seconds
	IncrementalInterval int      `yaml:"incremental_sync_interval"` // seconds
	BatchSize           int      `yaml:"batch_size"`
	MaxQueueSize        int      `yaml:"max_queue_size"`
	SyncTimeout         int      `yaml:"sync_timeout"` // seconds
	VerifySync          bool     `yaml:"verify_sync"`
	SyncTables          []string `yaml:"sync_tables"`
	Delivery            string   `yaml:"delivery"` // "direct" or "http"
}

// UnmarshalYAML decodes the sync section with its true-by-default flags
func (s *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw SyncConfig
	tmp := raw{AutoSyncEnabled: true, VerifySync: true}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*s = SyncConfig(tmp)
	return nil
}

// FailoverConfig configures automatic failover
type FailoverConfig struct {
	EnableAutoFailover  bool `yaml:"enable_auto_failover"`
	HealthCheckInterval int  `yaml:"health_check_interval"` // seconds
	FailureThreshold    int  `yaml:"failure_threshold"`
	DetectionThreshold  int  `yaml:"detection_threshold"`
	RetryDelay          int  `yaml:"retry_delay"`      // seconds
	FailoverTimeout     int  `yaml:"failover_timeout"` // seconds
	WaitForCatchup      bool `yaml:"wait_for_catchup"`
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// single-node operation and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.Sync.AutoSyncEnabled = true
	cfg.Sync.VerifySync = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in every unset option with its documented default
func (c *Config) ApplyDefaults() {
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8000
	}
	if c.Server.RPCPort == 0 {
		c.Server.RPCPort = c.Server.APIPort + 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Crawler.MaxConcurrent == 0 {
		c.Crawler.MaxConcurrent = 10
	}
	if c.Crawler.MaxDepth == 0 {
		c.Crawler.MaxDepth = 3
	}
	if c.Crawler.MaxImages == 0 {
		c.Crawler.MaxImages = 1000
	}
	if c.Crawler.MaxPages == 0 {
		c.Crawler.MaxPages = 100
	}
	if c.Crawler.DownloadPath == "" {
		c.Crawler.DownloadPath = "data/images"
	}
	if c.Crawler.StatePath == "" {
		c.Crawler.StatePath = "data/state"
	}
	if c.Crawler.AntiScraping.MinDelay == 0 {
		c.Crawler.AntiScraping.MinDelay = 0.5
	}
	if c.Crawler.AntiScraping.MaxDelay == 0 {
		c.Crawler.AntiScraping.MaxDelay = 3.0
	}
	if c.Crawler.AntiScraping.MaxRetries == 0 {
		c.Crawler.AntiScraping.MaxRetries = 3
	}
	if c.Crawler.AntiScraping.RequestTimeout == 0 {
		c.Crawler.AntiScraping.RequestTimeout = 30
	}

	if c.HA.MaxConnections == 0 {
		c.HA.MaxConnections = 10
	}

	if c.Sync.FullSyncInterval == 0 {
		c.Sync.FullSyncInterval = 300
	}
	if c.Sync.IncrementalInterval == 0 {
		c.Sync.IncrementalInterval = 10
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.MaxQueueSize == 0 {
		c.Sync.MaxQueueSize = 1000
	}
	if c.Sync.SyncTimeout == 0 {
		c.Sync.SyncTimeout = 30
	}
	if len(c.Sync.SyncTables) == 0 {
		c.Sync.SyncTables = []string{"images", "categories", "crawl_sessions", "tags"}
	}
	if c.Sync.Delivery == "" {
		c.Sync.Delivery = "direct"
	}

	if c.Failover.HealthCheckInterval == 0 {
		c.Failover.HealthCheckInterval = 30
	}
	if c.Failover.FailureThreshold == 0 {
		c.Failover.FailureThreshold = 3
	}
	if c.Failover.DetectionThreshold == 0 {
		c.Failover.DetectionThreshold = 3
	}
	if c.Failover.RetryDelay == 0 {
		c.Failover.RetryDelay = 5
	}
	if c.Failover.FailoverTimeout == 0 {
		c.Failover.FailoverTimeout = 60
	}
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	if c.Crawler.AntiScraping.MinDelay > c.Crawler.AntiScraping.MaxDelay {
		return fmt.Errorf("crawler: min_delay %.2f exceeds max_delay %.2f",
			c.Crawler.AntiScraping.MinDelay, c.Crawler.AntiScraping.MaxDelay)
	}
	if c.Sync.Delivery != "direct" && c.Sync.Delivery != "http" {
		return fmt.Errorf("sync: unknown delivery mode %q", c.Sync.Delivery)
	}

	if len(c.HA.Nodes) > 0 {
		if c.HA.LocalNodeName == "" {
			return fmt.Errorf("ha: local_node_name is required when nodes are configured")
		}
		found := false
		seen := map[string]bool{}
		for _, n := range c.HA.Nodes {
			if n.Name == "" || n.DatabaseURL == "" {
				return fmt.Errorf("ha: every node needs a name and a database_url")
			}
			if seen[n.Name] {
				return fmt.Errorf("ha: duplicate node name %q", n.Name)
			}
			seen[n.Name] = true
			switch types.NodeRole(n.Role) {
			case types.NodeRolePrimary, types.NodeRoleSecondary, types.NodeRoleStandby:
			default:
				return fmt.Errorf("ha: node %q has unknown role %q", n.Name, n.Role)
			}
			if n.Name == c.HA.LocalNodeName {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("ha: local_node_name %q is not in the node list", c.HA.LocalNodeName)
		}
	}
	return nil
}

// Nodes materializes the configured topology as node descriptors
func (c *HAConfig) NodeDescriptors() []*types.Node {
	nodes := make([]*types.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, &types.Node{
			Name:        n.Name,
			Role:        types.NodeRole(n.Role),
			Priority:    n.Priority,
			Address:     n.Address,
			DatabaseURL: n.DatabaseURL,
			Health:      types.HealthUnknown,
		})
	}
	return nodes
}

// RequestTimeoutDuration converts the configured request timeout
func (a *AntiScrapingConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}
