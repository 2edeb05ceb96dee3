// Command clusterhubd is the process harness wiring C1-C6 together: the
// minimal operator surface a deployment needs to bootstrap a node
// (register, status, connect, task send), matching the shape of the
// teacher's own cmd/root.go + subcommand files, not its breadth — the CLI
// command surface as a product stays out of scope (SPEC_FULL.md §6.5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cluster-hub/internal/agentbridge"
	"github.com/nextlevelbuilder/cluster-hub/internal/bus"
	"github.com/nextlevelbuilder/cluster-hub/internal/config"
	"github.com/nextlevelbuilder/cluster-hub/internal/coordinator"
	"github.com/nextlevelbuilder/cluster-hub/internal/hubclient"
	"github.com/nextlevelbuilder/cluster-hub/internal/store"
	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	configPath    string
	dataDir       string
	hubURL        string
	token         string
	gatewayAddr   string
	maxConcurrent int
)

var rootCmd = &cobra.Command{
	Use:   "clusterhubd",
	Short: "cluster-hub — cluster agent plugin node",
	Long:  "clusterhubd bootstraps and runs one node of a cluster-hub tree: registration, the Hub uplink, the local task queue, and the operator verbs needed to drive them.",
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".openclaw", "openclaw.json")
	defaultDataDir := filepath.Join(home, ".openclaw", "hub-data")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "host config file holding this node's identity")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir, "directory for task/chat/event logs")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub-url", os.Getenv("CLUSTER_HUB_URL"), "Hub base URL, e.g. wss://hub.example.com")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CLUSTER_HUB_TOKEN"), "bearer token for the Hub")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway-addr", "127.0.0.1:18790", "host:port of the local agent gateway")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 3, "task queue dispatch slots")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(taskCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clusterhubd %s\n", Version)
		},
	}
}

// buildCoordinator wires C1-C6 the way SPEC_FULL.md §9 describes: stores,
// the HTTP Hub client, and the agent bridge are constructed first, then
// handed to coordinator.New, which builds the WS Hub client, task queue and
// chat handler itself so it can bind its own callbacks into each.
func buildCoordinator() (*coordinator.Coordinator, error) {
	identityStore := config.NewStore(configPath)
	identity, err := identityStore.Load()
	if err != nil {
		return nil, fmt.Errorf("clusterhubd: load identity: %w", err)
	}

	resolvedHubURL := hubURL
	if resolvedHubURL == "" {
		resolvedHubURL = identity.HubURL
	}
	resolvedToken := token
	if resolvedToken == "" {
		resolvedToken = identity.Token
	}

	return coordinator.New(resolvedHubURL, resolvedToken, coordinator.Deps{
		IdentityStore: identityStore,
		Stores:        store.Open(dataDir),
		HubHTTP:       hubclient.NewHTTPClient(resolvedHubURL, resolvedToken, "", nil),
		Bridge:        agentbridge.New(gatewayAddr, resolvedToken),
		Events:        bus.NewMemoryBus(),
		MaxConcurrent: maxConcurrent,
	})
}

func registerCmd() *cobra.Command {
	var (
		nodeName     string
		nodeAlias    string
		clusterID    string
		parentID     string
		capabilities string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this node with the Hub and persist its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCoordinator()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var caps []string
			if capabilities != "" {
				caps = strings.Split(capabilities, ",")
			}
			req := wire.RegisterRequest{
				NodeName:     nodeName,
				NodeAlias:    nodeAlias,
				ClusterID:    clusterID,
				ParentID:     parentID,
				Capabilities: caps,
			}
			data, err := c.Register(ctx, req)
			if err != nil {
				return fmt.Errorf("register failed: %w", err)
			}
			fmt.Printf("registered as %s (cluster %s, depth %d)\n", data.NodeID, data.ClusterID, data.Depth)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeName, "node-name", "", "this node's display name")
	cmd.Flags().StringVar(&nodeAlias, "node-alias", "", "this node's short alias")
	cmd.Flags().StringVar(&clusterID, "cluster-id", "", "cluster to join (omit to create one)")
	cmd.Flags().StringVar(&parentID, "parent-id", "", "parent node ID (omit for a root node)")
	cmd.Flags().StringVar(&capabilities, "capabilities", "", "comma-separated capability tags")
	cmd.MarkFlagRequired("node-name")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print this node's registration, connection, and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCoordinator()
			if err != nil {
				return err
			}
			s := c.Status()
			fmt.Printf("registered:    %v\n", s.Registered)
			fmt.Printf("connected:     %v\n", s.Connected)
			fmt.Printf("nodeId:        %s\n", s.NodeID)
			fmt.Printf("clusterId:     %s\n", s.ClusterID)
			fmt.Printf("parentId:      %s\n", s.ParentID)
			fmt.Printf("pendingTasks:  %d\n", s.PendingTasks)
			fmt.Printf("cachedNodes:   %d\n", s.CachedNodes)
			return nil
		},
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the Hub uplink and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCoordinator()
			if err != nil {
				return err
			}
			if c.Identity().NodeID == "" {
				return fmt.Errorf("not registered yet; run 'clusterhubd register' first")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			fmt.Printf("connected as %s, awaiting tasks (ctrl-c to stop)\n", c.Identity().NodeID)

			<-ctx.Done()
			fmt.Println("shutting down")
			c.Disconnect()
			return c.Shutdown()
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Send and inspect tasks",
	}
	cmd.AddCommand(taskSendCmd())
	return cmd
}

func taskSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <nodeId> <instruction...>",
		Short: "Send a task to a node (self-targeted tasks loop back to the local agent)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCoordinator()
			if err != nil {
				return err
			}
			nodeID := args[0]
			instruction := strings.Join(args[1:], " ")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			t, err := c.SendTask(ctx, nodeID, instruction)
			if err != nil {
				return fmt.Errorf("send task failed: %w", err)
			}
			fmt.Printf("task %s sent to %s (status: %s)\n", t.ID, nodeID, t.Status)
			return nil
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
