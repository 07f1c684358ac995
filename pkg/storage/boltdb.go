package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/snops/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents      = []byte("agents")
	bucketEnvironments = []byte("environments")
	bucketStorage     = []byte("storage")
	bucketCannons     = []byte("cannons")
	bucketTrackers    = []byte("trackers")
	bucketSecrets     = []byte("secrets")
)

// schemaVersion envelopes every persisted record with a version header a
// reader must recognize before trusting the payload.
const (
	agentSchemaVersion       = 1
	environmentSchemaVersion = 1
	storageSchemaVersion     = 1
	cannonSchemaVersion      = 1
	trackerSchemaVersion     = 1
)

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func encode(version int, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: version, Data: data})
}

func decode(raw []byte, wantVersion int, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Version != wantVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", env.Version, wantVersion)
	}
	return json.Unmarshal(env.Data, v)
}

// BoltStore implements Store on top of an embedded bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "snops.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketEnvironments,
			bucketStorage,
			bucketCannons,
			bucketTrackers,
			bucketSecrets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Agents ---

func (s *BoltStore) CreateAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(agentSchemaVersion, agent)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgents).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("agent not found: %s", id)
		}
		return decode(raw, agentSchemaVersion, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := decode(v, agentSchemaVersion, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) UpdateAgent(agent *types.Agent) error {
	return s.CreateAgent(agent)
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// --- Environments ---

func (s *BoltStore) CreateEnvironment(env *types.Environment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(environmentSchemaVersion, env)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnvironments).Put([]byte(env.ID), data)
	})
}

func (s *BoltStore) GetEnvironment(id string) (*types.Environment, error) {
	var env types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEnvironments).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("environment not found: %s", id)
		}
		return decode(raw, environmentSchemaVersion, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *BoltStore) ListEnvironments() ([]*types.Environment, error) {
	var envs []*types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var env types.Environment
			if err := decode(v, environmentSchemaVersion, &env); err != nil {
				return err
			}
			envs = append(envs, &env)
			return nil
		})
	})
	return envs, err
}

func (s *BoltStore) UpdateEnvironment(env *types.Environment) error {
	return s.CreateEnvironment(env)
}

func (s *BoltStore) DeleteEnvironment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).Delete([]byte(id))
	})
}

// --- Storage catalog ---

func storageKey(networkID, storageID string) []byte {
	return []byte(networkID + "/" + storageID)
}

func (s *BoltStore) CreateStorage(storage *types.LoadedStorage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(storageSchemaVersion, storage)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStorage).Put(storageKey(storage.NetworkID, storage.ID), data)
	})
}

func (s *BoltStore) GetStorage(networkID, storageID string) (*types.LoadedStorage, error) {
	var storage types.LoadedStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStorage).Get(storageKey(networkID, storageID))
		if raw == nil {
			return fmt.Errorf("storage not found: %s/%s", networkID, storageID)
		}
		return decode(raw, storageSchemaVersion, &storage)
	})
	if err != nil {
		return nil, err
	}
	return &storage, nil
}

func (s *BoltStore) ListStorage() ([]*types.LoadedStorage, error) {
	var all []*types.LoadedStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(k, v []byte) error {
			var storage types.LoadedStorage
			if err := decode(v, storageSchemaVersion, &storage); err != nil {
				return err
			}
			all = append(all, &storage)
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) DeleteStorage(networkID, storageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).Delete(storageKey(networkID, storageID))
	})
}

// --- Cannons ---

func cannonKey(envID, cannonID string) []byte {
	return []byte(envID + "/" + cannonID)
}

func (s *BoltStore) CreateCannon(cannon *types.CannonInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(cannonSchemaVersion, cannon)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCannons).Put(cannonKey(cannon.EnvID, cannon.ID), data)
	})
}

func (s *BoltStore) GetCannon(envID, cannonID string) (*types.CannonInstance, error) {
	var cannon types.CannonInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCannons).Get(cannonKey(envID, cannonID))
		if raw == nil {
			return fmt.Errorf("cannon not found: %s/%s", envID, cannonID)
		}
		return decode(raw, cannonSchemaVersion, &cannon)
	})
	if err != nil {
		return nil, err
	}
	return &cannon, nil
}

func (s *BoltStore) ListCannonsByEnv(envID string) ([]*types.CannonInstance, error) {
	var cannons []*types.CannonInstance
	prefix := []byte(envID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCannons).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var cannon types.CannonInstance
			if err := decode(v, cannonSchemaVersion, &cannon); err != nil {
				return err
			}
			cannons = append(cannons, &cannon)
		}
		return nil
	})
	return cannons, err
}

func (s *BoltStore) UpdateCannon(cannon *types.CannonInstance) error {
	return s.CreateCannon(cannon)
}

func (s *BoltStore) DeleteCannon(envID, cannonID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCannons).Delete(cannonKey(envID, cannonID))
	})
}

// --- Transaction trackers ---

// trackerKey orders entries by (env_id, cannon_id, tx_id) so a prefix scan
// over (env_id, cannon_id) returns every tracker for that cannon.
func trackerKey(envID, cannonID, txID string) []byte {
	return []byte(envID + "/" + cannonID + "/" + txID)
}

func trackerPrefix(envID, cannonID string) []byte {
	return []byte(envID + "/" + cannonID + "/")
}

func (s *BoltStore) PutTracker(envID, cannonID string, tracker *types.TransactionTracker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(trackerSchemaVersion, tracker)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTrackers).Put(trackerKey(envID, cannonID, tracker.TxID), data)
	})
}

func (s *BoltStore) GetTracker(envID, cannonID, txID string) (*types.TransactionTracker, error) {
	var tracker types.TransactionTracker
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTrackers).Get(trackerKey(envID, cannonID, txID))
		if raw == nil {
			return fmt.Errorf("tracker not found: %s", txID)
		}
		return decode(raw, trackerSchemaVersion, &tracker)
	})
	if err != nil {
		return nil, err
	}
	return &tracker, nil
}

func (s *BoltStore) ListTrackers(envID, cannonID string) ([]*types.TransactionTracker, error) {
	var trackers []*types.TransactionTracker
	prefix := trackerPrefix(envID, cannonID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTrackers).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var tracker types.TransactionTracker
			if err := decode(v, trackerSchemaVersion, &tracker); err != nil {
				return err
			}
			trackers = append(trackers, &tracker)
		}
		return nil
	})
	return trackers, err
}

func (s *BoltStore) DeleteTracker(envID, cannonID, txID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrackers).Delete(trackerKey(envID, cannonID, txID))
	})
}

// --- Agent secrets ---

func (s *BoltStore) SaveAgentSecret(agentID string, sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(agentID), sealed)
	})
}

func (s *BoltStore) GetAgentSecret(agentID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSecrets).Get([]byte(agentID))
		if raw == nil {
			return fmt.Errorf("secret not found: %s", agentID)
		}
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	return data, err
}
