package storage

import (
	"github.com/cuemby/snops/pkg/types"
)

// Store defines the typed key/value façade over the embedded database.
// Every tree stores entries of a single schema; callers never see raw bytes.
type Store interface {
	// Agents
	CreateAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	UpdateAgent(agent *types.Agent) error
	DeleteAgent(id string) error

	// Environments
	CreateEnvironment(env *types.Environment) error
	GetEnvironment(id string) (*types.Environment, error)
	ListEnvironments() ([]*types.Environment, error)
	UpdateEnvironment(env *types.Environment) error
	DeleteEnvironment(id string) error

	// Storage catalog entries, keyed by (network_id, storage_id)
	CreateStorage(storage *types.LoadedStorage) error
	GetStorage(networkID, storageID string) (*types.LoadedStorage, error)
	ListStorage() ([]*types.LoadedStorage, error)
	DeleteStorage(networkID, storageID string) error

	// Cannon instances, one per (env_id, cannon_id)
	CreateCannon(cannon *types.CannonInstance) error
	GetCannon(envID, cannonID string) (*types.CannonInstance, error)
	ListCannonsByEnv(envID string) ([]*types.CannonInstance, error)
	UpdateCannon(cannon *types.CannonInstance) error
	DeleteCannon(envID, cannonID string) error

	// Transaction trackers, keyed by (env_id, cannon_id, tx_id) with prefix
	// iteration over a (env_id, cannon_id) pair.
	PutTracker(envID, cannonID string, tracker *types.TransactionTracker) error
	GetTracker(envID, cannonID, txID string) (*types.TransactionTracker, error)
	ListTrackers(envID, cannonID string) ([]*types.TransactionTracker, error)
	DeleteTracker(envID, cannonID, txID string) error

	// Bearer credential secrets (agent nonce material), keyed by agent_id
	SaveAgentSecret(agentID string, sealed []byte) error
	GetAgentSecret(agentID string) ([]byte, error)

	Close() error
}
