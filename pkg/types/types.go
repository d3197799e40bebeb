package types

import (
	"time"
)

// NodeRole defines the replication role of a database node
type NodeRole string

const (
	NodeRolePrimary   NodeRole = "primary"
	NodeRoleSecondary NodeRole = "secondary"
	NodeRoleStandby   NodeRole = "standby"
)

// HealthState represents the current health of a node
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthWarning HealthState = "warning"
	HealthOffline HealthState = "offline"
	HealthUnknown HealthState = "unknown"
)

// Node is this process's view of a database node in the cluster
type Node struct {
	Name        string      `json:"name"`
	Role        NodeRole    `json:"role"`
	Priority    int         `json:"priority"` // lower wins during promotion
	Address     string      `json:"address"`  // host:port of the node's RPC listener
	DatabaseURL string      `json:"database_url"`

	Health         HealthState `json:"health"`
	FailureCount   int         `json:"failure_count"`
	ReplicationLag float64     `json:"replication_lag"` // seconds behind the primary
	LastCheck      time.Time   `json:"last_check"`
	LastError      string      `json:"last_error,omitempty"`
}

// Healthy reports whether the node can serve traffic
func (n *Node) Healthy() bool {
	return n.Health == HealthHealthy || n.Health == HealthWarning
}

// OpKind is the kind of a replicated mutation
type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// OpStatus tracks the lifecycle of a sync operation
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
)

// SyncOperation is one element of the replication log. The payload carries
// scalars verbatim, timestamps as RFC 3339 text and nested containers as
// JSON text; binary values are disallowed.
type SyncOperation struct {
	ID          string         `json:"operation_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        OpKind         `json:"operation_type"`
	Table       string         `json:"table_name"`
	Payload     map[string]any `json:"data"`
	SourceNode  string         `json:"source_node"`
	TargetNodes []string       `json:"target_nodes,omitempty"`
	Status      OpStatus       `json:"status"`
}

// FailoverState is the controller's coarse state machine
type FailoverState string

const (
	FailoverNormal    FailoverState = "normal"
	FailoverDetecting FailoverState = "detecting"
	FailoverSwitching FailoverState = "switching"
	FailoverCompleted FailoverState = "completed"
	FailoverFailed    FailoverState = "failed"
)

// FailoverEvent is one entry of the bounded failover history
type FailoverEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	SourceNode string        `json:"source_node"`
	TargetNode string        `json:"target_node"`
	Reason     string        `json:"reason"`
	Status     FailoverState `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// CrawlStatus represents the lifecycle of a crawl session.
// Transitions are monotonic: pending -> running -> completed|failed.
type CrawlStatus string

const (
	CrawlPending   CrawlStatus = "pending"
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
)

// CrawlStats is a point-in-time snapshot of engine progress
type CrawlStats struct {
	PagesCrawled     int       `json:"pages_crawled"`
	ImagesFound      int       `json:"images_found"`
	ImagesDownloaded int       `json:"images_downloaded"`
	ImagesFailed     int       `json:"images_failed"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`

	CrawlQueueSize    int `json:"crawl_queue_size"`
	DownloadQueueSize int `json:"download_queue_size"`
	VisitedURLs       int `json:"visited_urls"`
	FailedURLs        int `json:"failed_urls"`
}

// CrawlResult is the document returned when a crawl completes. The
// URLToFilename map is the source of record when persisting image rows.
type CrawlResult struct {
	Success         bool              `json:"success"`
	Error           string            `json:"error,omitempty"`
	Stats           CrawlStats        `json:"stats"`
	Duration        time.Duration     `json:"duration"`
	PagesPerSecond  float64           `json:"pages_per_second"`
	ImagesPerSecond float64           `json:"images_per_second"`
	SuccessRate     float64           `json:"success_rate"`
	Images          []string          `json:"images"`
	Downloaded      []string          `json:"downloaded_images"`
	FailedURLs      []string          `json:"failed_urls"`
	URLToFilename   map[string]string `json:"url_to_filename"`
	Summary         string            `json:"summary"`
}

// ClusterStatus is the registry snapshot served over the inter-node RPC
type ClusterStatus struct {
	CurrentPrimary string           `json:"current_primary"`
	LocalNode      string           `json:"local_node"`
	Nodes          map[string]*Node `json:"nodes"`
	SyncQueueSize  int              `json:"sync_queue_size"`
	Monitoring     bool             `json:"is_monitoring"`
}

// SyncStatus summarizes the replication machinery
type SyncStatus struct {
	AutoSyncEnabled     bool      `json:"auto_sync_enabled"`
	QueueSize           int       `json:"sync_queue_size"`
	LastFullSync        time.Time `json:"last_full_sync"`
	FullSyncInterval    int       `json:"full_sync_interval"`
	IncrementalInterval int       `json:"incremental_sync_interval"`
	CurrentPrimary      string    `json:"current_primary"`
	LocalNode           string    `json:"local_node"`
}

// AlertSeverity grades alert rule firings
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is emitted when an alert rule fires or clears
type Alert struct {
	Rule      string        `json:"rule"`
	Node      string        `json:"node"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Firing    bool          `json:"firing"`
	Timestamp time.Time     `json:"timestamp"`
}
