package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/magpie/pkg/api"
	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/crawler"
	"github.com/cuemby/magpie/pkg/downloader"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/failover"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/replication"
	"github.com/cuemby/magpie/pkg/rpc"
	"github.com/cuemby/magpie/pkg/session"
	"github.com/cuemby/magpie/pkg/state"
	"github.com/cuemby/magpie/pkg/transport"
	"github.com/cuemby/magpie/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "magpie",
	Short: "Magpie - Distributed image crawler with an HA database layer",
	Long: `Magpie crawls websites for images with anti-scraping countermeasures
and stores the results in a replicated PostgreSQL cluster with health
monitoring and automatic failover.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Magpie version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(failoverCmd)
	rootCmd.AddCommand(syncCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the full node: crawl engine, cluster monitor and both listeners",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		store, err := state.Open(cfg.Crawler.StatePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %v", err)
		}
		defer store.Close()

		client := transport.NewClient(cfg.Crawler.AntiScraping)
		dl, err := downloader.New(client, store, cfg.Crawler.DownloadPath)
		if err != nil {
			return err
		}
		engine := crawler.New(cfg.Crawler, client, dl, store, broker)

		registry, err := cluster.NewRegistry(cfg.HA.NodeDescriptors(), cfg.HA.LocalNodeName)
		if err != nil {
			return err
		}
		pools := cluster.NewPools(registry, cfg.HA.MaxConnections)
		defer pools.Close()
		monitor := cluster.NewMonitor(registry, cluster.NewDBProber(pools), broker, cfg.Failover)

		rpcClient := rpc.NewClient(time.Duration(cfg.Sync.SyncTimeout) * time.Second)
		var deliver replication.Deliverer = replication.NewDirectDeliverer(pools)
		if cfg.Sync.Delivery == "http" {
			deliver = rpcClient
		}
		repl := replication.NewManager(cfg.Sync, registry, pools, deliver, broker)
		sessions := session.NewSessions(registry, pools, repl)

		fo := failover.New(cfg.Failover, registry, failover.NewDBValidator(pools), repl, rpcClient, broker)
		monitor.OnUnhealthy = func(n *types.Node) { go fo.HandleUnhealthy(n) }

		rpcSrv := rpc.NewServer(cfg.Server.RPCPort, registry, monitor, repl, fo)
		apiSrv := api.NewServer(cfg.Server.APIPort, engine, store, sessions, registry, monitor, repl, broker)

		monitor.Start()
		repl.Start()
		rpcSrv.Start()
		apiSrv.Start()

		lg := log.WithNode(cfg.HA.LocalNodeName)
		lg.Info().
			Int("api_port", cfg.Server.APIPort).
			Int("rpc_port", cfg.Server.RPCPort).
			Msg("magpie node started")
		fmt.Println("Magpie is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		apiSrv.Stop(ctx)
		rpcSrv.Stop(ctx)
		repl.Stop()
		monitor.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl URL",
	Short: "Run a one-shot crawl session without the cluster layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		store, err := state.Open(cfg.Crawler.StatePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %v", err)
		}
		defer store.Close()

		client := transport.NewClient(cfg.Crawler.AntiScraping)
		dl, err := downloader.New(client, store, cfg.Crawler.DownloadPath)
		if err != nil {
			return err
		}
		engine := crawler.New(cfg.Crawler, client, dl, store, broker)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		result, err := engine.Crawl(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(result.Summary)
		fmt.Printf("  Pages crawled:     %d\n", result.Stats.PagesCrawled)
		fmt.Printf("  Images found:      %d\n", result.Stats.ImagesFound)
		fmt.Printf("  Images downloaded: %d\n", result.Stats.ImagesDownloaded)
		fmt.Printf("  Images failed:     %d\n", result.Stats.ImagesFailed)
		fmt.Printf("  Duration:          %s\n", result.Duration.Round(time.Millisecond))
		if !result.Success {
			return fmt.Errorf("crawl failed: %s", result.Error)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{serverCmd, crawlCmd} {
		c.Flags().String("config", "", "Path to the configuration file")
	}
}
