// Package config loads the flag/env-driven configuration shared by
// cmd/snops-control and cmd/snops-agent, mirroring the teacher's cmd/warren
// pattern of binding cobra/pflag flags directly into a plain struct rather
// than a struct-tag reflection library (no pack repo wires one).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Env var names referenced by both binaries' flag defaults.
const (
	EnvAgentKey  = "SNOPS_AGENT_KEY"
	EnvJWTSecret = "SNOPS_JWT_SECRET"
	EnvDataDir   = "SNOPS_DATA_DIR"
	EnvEndpoint  = "SNOPS_ENDPOINT"
)

const (
	defaultDataDir       = "./snops-data"
	defaultAPIAddr       = "127.0.0.1:1234"
	defaultHealthAddr    = "127.0.0.1:9090"
	defaultAgentEndpoint = "127.0.0.1:1234"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ControlConfig is cmd/snops-control's full configuration.
type ControlConfig struct {
	APIAddr    string
	HealthAddr string
	DataDir    string
	JWTSecret  string
	LogLevel   string
	LogJSON    bool
}

// RegisterControlFlags adds cmd/snops-control's flags to cmd, defaulting
// anything security-sensitive from its environment variable rather than a
// flag literal.
func RegisterControlFlags(cmd *cobra.Command) {
	cmd.Flags().String("api-addr", defaultAPIAddr, "Address for the operator REST/WS API")
	cmd.Flags().String("health-addr", defaultHealthAddr, "Address for /health, /ready and /metrics")
	cmd.Flags().String("data-dir", envOr(EnvDataDir, defaultDataDir), "Data directory for the control plane's bbolt database")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for agent bearer tokens (defaults to "+EnvJWTSecret+")")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

// LoadControlConfig reads cmd's bound flags into a ControlConfig.
func LoadControlConfig(cmd *cobra.Command) (*ControlConfig, error) {
	cfg := &ControlConfig{}
	var err error
	get := func(name string) string {
		v, e := cmd.Flags().GetString(name)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	cfg.APIAddr = get("api-addr")
	cfg.HealthAddr = get("health-addr")
	cfg.DataDir = get("data-dir")
	cfg.LogLevel = get("log-level")
	cfg.JWTSecret = get("jwt-secret")
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv(EnvJWTSecret)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret required: pass --jwt-secret or set %s", EnvJWTSecret)
	}
	cfg.LogJSON, err = cmd.Flags().GetBool("log-json")
	return cfg, err
}

// AgentConfig is cmd/snops-agent's full configuration, grounded on the
// original agent's clap Cli struct (crates/agent/src/cli.rs): endpoint,
// id, private-key-file, labels, data path, bind/external/internal
// addresses, and mode flags.
type AgentConfig struct {
	Endpoint       string
	ID             string
	PrivateKeyFile string
	Labels         []string
	DataDir        string
	BindAddr       string
	ExternalAddr   string
	InternalAddr   string
	Validator      bool
	Prover         bool
	Client         bool
	Compute        bool
	Quiet          bool
	LogLevel       string
	LogJSON        bool
}

// RegisterAgentFlags adds cmd/snops-agent's flags to cmd.
func RegisterAgentFlags(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", envOr(EnvEndpoint, defaultAgentEndpoint), "Control plane endpoint (host:port, dialed over plain ws:// and http://)")
	cmd.Flags().String("id", "", "Agent id, used to identify this agent to the control plane (required)")
	cmd.Flags().String("private-key-file", "", "Locally provided private key file, for envs with locally provided keys")
	cmd.Flags().StringSlice("labels", nil, "Labels to attach to this agent, for filtering and grouping")
	cmd.Flags().String("path", defaultDataDir, "Data directory for downloaded binaries, ledgers, and the persisted token")
	cmd.Flags().String("bind", "0.0.0.0", "Local bind address (stored in the agent config; not reported to peers)")
	cmd.Flags().String("external", "", "Externally reachable address (stored in the agent config; not sent to the control plane)")
	cmd.Flags().String("internal", "", "Internal address (stored in the agent config; not sent to the control plane)")
	cmd.Flags().Bool("validator", false, "Enable validator mode")
	cmd.Flags().Bool("prover", false, "Enable prover mode")
	cmd.Flags().Bool("client", false, "Enable client mode")
	cmd.Flags().Bool("compute", false, "Enable compute mode (transaction authorization execution)")
	cmd.Flags().Bool("quiet", false, "Quiet mode (stored in the agent config; node output is not affected)")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	_ = cmd.MarkFlagRequired("id")
}

// LoadAgentConfig reads cmd's bound flags into an AgentConfig.
func LoadAgentConfig(cmd *cobra.Command) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	var err error
	getStr := func(name string) string {
		v, e := cmd.Flags().GetString(name)
		if e != nil && err == nil {
			err = e
		}
		return v
	}
	getBool := func(name string) bool {
		v, e := cmd.Flags().GetBool(name)
		if e != nil && err == nil {
			err = e
		}
		return v
	}

	cfg.Endpoint = getStr("endpoint")
	cfg.ID = getStr("id")
	cfg.PrivateKeyFile = getStr("private-key-file")
	cfg.Labels, err = cmd.Flags().GetStringSlice("labels")
	if err != nil {
		return nil, err
	}
	cfg.DataDir = getStr("path")
	cfg.BindAddr = getStr("bind")
	cfg.ExternalAddr = getStr("external")
	cfg.InternalAddr = getStr("internal")
	cfg.Validator = getBool("validator")
	cfg.Prover = getBool("prover")
	cfg.Client = getBool("client")
	cfg.Compute = getBool("compute")
	cfg.Quiet = getBool("quiet")
	cfg.LogLevel = getStr("log-level")
	cfg.LogJSON = getBool("log-json")

	if err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("--id is required")
	}
	return cfg, nil
}
