package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/magpie/pkg/types"
)

// Operational commands talk to a running node over its RPC listener

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the database cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node roles, health and replication lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		var status types.ClusterStatus
		if err := getJSON(addr+"/api/status", &status); err != nil {
			return err
		}

		fmt.Printf("Primary:    %s\n", status.CurrentPrimary)
		fmt.Printf("Local node: %s\n", status.LocalNode)
		fmt.Printf("Monitoring: %v\n", status.Monitoring)
		fmt.Printf("Sync queue: %d\n", status.SyncQueueSize)
		fmt.Println()
		fmt.Printf("%-12s %-10s %-9s %-8s %s\n", "NODE", "ROLE", "HEALTH", "FAILURES", "LAG")
		for _, n := range status.Nodes {
			fmt.Printf("%-12s %-10s %-9s %-8d %.1fs\n",
				n.Name, n.Role, n.Health, n.FailureCount, n.ReplicationLag)
		}
		return nil
	},
}

var failoverCmd = &cobra.Command{
	Use:   "failover [TARGET]",
	Short: "Promote a node to primary",
	Long: `Promote the named node to primary, or the best healthy candidate
when no target is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		target := "auto"
		if len(args) == 1 {
			target = args[0]
		}

		fmt.Printf("Starting failover to %s...\n", target)
		var out map[string]string
		if err := postJSON(addr+"/api/failover/"+target, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Failover completed, new primary: %s\n", out["new_primary"])
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Manage replication",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		var status types.SyncStatus
		if err := getJSON(addr+"/api/sync-status", &status); err != nil {
			return err
		}

		fmt.Printf("Auto sync:            %v\n", status.AutoSyncEnabled)
		fmt.Printf("Queue size:           %d\n", status.QueueSize)
		fmt.Printf("Current primary:      %s\n", status.CurrentPrimary)
		fmt.Printf("Incremental interval: %ds\n", status.IncrementalInterval)
		fmt.Printf("Full sync interval:   %ds\n", status.FullSyncInterval)
		if status.LastFullSync.IsZero() {
			fmt.Println("Last full sync:       never")
		} else {
			fmt.Printf("Last full sync:       %s\n", status.LastFullSync.Format(time.RFC3339))
		}
		return nil
	},
}

var syncForceCmd = &cobra.Command{
	Use:   "force",
	Short: "Run a full reconciliation pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		fmt.Println("Running full sync...")
		var out map[string]string
		if err := postJSON(addr+"/api/force-sync", &out); err != nil {
			return err
		}
		fmt.Println("✓ Full sync completed")
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterStatusCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncForceCmd)

	for _, c := range []*cobra.Command{clusterStatusCmd, failoverCmd, syncStatusCmd, syncForceCmd} {
		c.Flags().String("addr", "http://127.0.0.1:8001", "RPC address of the node")
	}
}

var opsClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(url string, dest any) error {
	resp, err := opsClient.Get(url)
	if err != nil {
		return fmt.Errorf("node unreachable: %v", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dest)
}

func postJSON(url string, dest any) error {
	resp, err := opsClient.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("node unreachable: %v", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dest)
}

func decodeResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e map[string]string
		if json.Unmarshal(body, &e) == nil && e["error"] != "" {
			return fmt.Errorf("%s", e["error"])
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(body)).Decode(dest)
}
