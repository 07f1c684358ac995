// Command snops is the operator CLI: a thin wrapper over pkg/client's REST
// surface, grounded on the teacher's cmd/warren manager-CLI commands
// (connect, call, print a table or a confirmation line).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/snops/pkg/client"
	"github.com/cuemby/snops/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snops",
	Short:   "snops operator CLI",
	Long:    "snops is the operator CLI for a snops control plane: apply environments, inspect agents and topology, and drive node/cannon actions.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snops version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:1234", "Control plane address")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for the control plane API")

	rootCmd.AddCommand(envCmd, agentCmd, topologyCmd, cannonCmd, actionCmd)

	envCmd.AddCommand(envApplyCmd, envListCmd, envGetCmd, envDeleteCmd)
	agentCmd.AddCommand(agentListCmd, agentGetCmd)
	cannonCmd.AddCommand(cannonAuthCmd)
	actionCmd.AddCommand(actionOnlineCmd, actionOfflineCmd)

	cannonAuthCmd.Flags().Bool("async", false, "Return immediately instead of waiting for a terminal status")
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	return client.NewClient(addr, token)
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envApplyCmd = &cobra.Command{
	Use:   "apply ENV_ID FILE",
	Short: "Apply a YAML environment spec",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		envID, path := args[0], args[1]
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open spec file: %w", err)
		}
		defer f.Close()

		env, err := newClient(cmd).Apply(cmd.Context(), envID, f, client.ApplyOptions{})
		if err != nil {
			return fmt.Errorf("failed to apply environment: %w", err)
		}
		fmt.Printf("✓ Environment applied: %s (%d nodes)\n", env.ID, env.Nodes.Len())
		return nil
	},
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := newClient(cmd).ListEnvironments(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list environments: %v", err)
		}
		if len(envs) == 0 {
			fmt.Println("No environments found")
			return nil
		}
		fmt.Printf("%-24s %-10s %-6s\n", "ID", "NETWORK", "NODES")
		for _, env := range envs {
			fmt.Printf("%-24s %-10s %-6d\n", env.ID, env.NetworkID, env.Nodes.Len())
		}
		return nil
	},
}

var envGetCmd = &cobra.Command{
	Use:   "get ENV_ID",
	Short: "Show an environment's nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newClient(cmd).GetEnvironment(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get environment: %v", err)
		}
		fmt.Printf("Environment: %s\n", env.ID)
		fmt.Printf("  Network: %s\n", env.NetworkID)
		fmt.Printf("  Cannons: %s\n", strings.Join(env.CannonIDs, ", "))
		fmt.Println("  Nodes:")
		env.Nodes.Each(func(key string, val *types.EnvNodeState) bool {
			kind := "external"
			if val.Kind == types.EnvNodeInternal {
				kind = "internal -> " + val.AgentID
			}
			fmt.Printf("    %-20s %s\n", key, kind)
			return true
		})
		return nil
	},
}

var envDeleteCmd = &cobra.Command{
	Use:   "delete ENV_ID",
	Short: "Delete an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		envID := args[0]
		if err := newClient(cmd).Delete(cmd.Context(), envID); err != nil {
			return fmt.Errorf("failed to delete environment: %v", err)
		}
		fmt.Printf("✓ Environment deleted: %s\n", envID)
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect delegated agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list ENV_ID",
	Short: "List an environment's internal nodes and their delegated agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newClient(cmd).ListAgents(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list agents: %v", err)
		}
		if len(agents) == 0 {
			fmt.Println("No internal nodes found")
			return nil
		}
		fmt.Printf("%-20s %-20s %-8s\n", "NODE_KEY", "AGENT_ID", "ONLINE")
		for _, pa := range agents {
			agentID, online := "-", false
			if pa.Agent != nil {
				agentID = pa.Agent.ID
				online = pa.Agent.Connection.Online
			}
			fmt.Printf("%-20s %-20s %-8t\n", pa.NodeKey, agentID, online)
		}
		return nil
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get ENV_ID NODE_KEY",
	Short: "Show a single delegated agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := newClient(cmd).GetAgent(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to get agent: %v", err)
		}
		fmt.Printf("Agent: %s\n", agent.ID)
		fmt.Printf("  Online: %t\n", agent.Connection.Online)
		fmt.Printf("  Mode: %#x\n", uint8(agent.Flags.Mode))
		fmt.Printf("  Observed ports: %v\n", agent.ObservedPorts)
		return nil
	},
}

var topologyCmd = &cobra.Command{
	Use:   "topology ENV_ID",
	Short: "Show an environment's resolved node topology",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := newClient(cmd).Topology(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get topology: %v", err)
		}
		topo.Each(func(key string, val *types.EnvNodeState) bool {
			fmt.Printf("%s\n", key)
			return true
		})
		return nil
	},
}

var cannonCmd = &cobra.Command{
	Use:   "cannon",
	Short: "Drive a transaction cannon",
}

var cannonAuthCmd = &cobra.Command{
	Use:   "auth ENV_ID CANNON_ID FILE",
	Short: "Submit a pre-built authorization to a cannon",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		envID, cannonID, path := args[0], args[1], args[2]
		async, _ := cmd.Flags().GetBool("async")

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read authorization file: %w", err)
		}

		out, err := newClient(cmd).SubmitAuth(cmd.Context(), envID, cannonID, string(body), async)
		if err != nil {
			return fmt.Errorf("failed to submit authorization: %v", err)
		}
		for k, v := range out {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Toggle node online/offline state",
}

func runSetOnline(ctx context.Context, cmd *cobra.Command, args []string, online bool) error {
	envID := args[0]
	targets := args[1:]
	if len(targets) == 0 {
		targets = []string{"*"}
	}
	nodes, err := newClient(cmd).SetOnline(ctx, envID, targets, online)
	if err != nil {
		return fmt.Errorf("failed to set node state: %v", err)
	}
	for _, n := range nodes {
		fmt.Printf("%s -> %s\n", n.NodeKey, n.AgentID)
	}
	return nil
}

var actionOnlineCmd = &cobra.Command{
	Use:   "online ENV_ID [NODE_KEY_GLOB...]",
	Short: "Bring matching nodes online",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetOnline(cmd.Context(), cmd, args, true)
	},
}

var actionOfflineCmd = &cobra.Command{
	Use:   "offline ENV_ID [NODE_KEY_GLOB...]",
	Short: "Take matching nodes offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetOnline(cmd.Context(), cmd, args, false)
	},
}
