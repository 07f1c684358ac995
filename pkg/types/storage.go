package types

// NetworkID is the ledger network an environment/storage belongs to.
type NetworkID string

const (
	NetworkMainnet NetworkID = "mainnet"
	NetworkTestnet NetworkID = "testnet"
	NetworkCanary  NetworkID = "canary"
)

// BinarySourceKind tags the BinaryEntry.Source sum type.
type BinarySourceKind int

const (
	BinarySourceURL BinarySourceKind = iota
	BinarySourcePath
)

// BinaryEntry is the integrity contract an agent must satisfy for a binary.
type BinaryEntry struct {
	SourceKind BinarySourceKind
	Source     string // URL or local path, per SourceKind
	Sha256     *string
	Size       *uint64
}

// KeyPair is an address/private-key pair used by the committee.
type KeyPair struct {
	Address    string
	PrivateKey string
}

// AccountPool is a named, reusable pool of funded accounts.
type AccountPool struct {
	Name     string
	Accounts []KeyPair
}

// RetentionPolicy controls which checkpoints are retained/selected.
type RetentionPolicy struct {
	Span        RetentionSpan
	MaxCheckpoints int
}

// LoadedStorage is a versioned collection of genesis/ledger/binary artifacts
// shared across an environment. Bumping Version invalidates every agent's
// cached on-disk ledger built against a lower version.
type LoadedStorage struct {
	ID              string
	NetworkID       NetworkID
	Version         uint64
	CommitteeKeys   []KeyPair
	AccountPools    map[string]AccountPool
	Binaries        map[string]BinaryEntry
	GenesisSource   string
	Retention       *RetentionPolicy
	Persist         bool // agents keep the ledger between reconciles
	NativeGenesis   bool
	Checkpoints     []CheckpointMeta
}

// CheckpointMeta is one discovered, genesis-matching checkpoint file.
type CheckpointMeta struct {
	Filename    string
	BlockHeight uint32
	Timestamp   int64
}

// CheckpointHeader is the fixed-size header at the front of every
// *.checkpoint file. All integers little-endian.
type CheckpointHeader struct {
	Version     uint8 // always 1
	BlockHeight uint32
	Timestamp   int64
	BlockHash   [32]byte
	GenesisHash [32]byte
	ContentLen  uint64
}

// CheckpointEntry is one (program_id, mapping_id) -> [(key, value)] row
// inside a checkpoint's content section.
type CheckpointEntry struct {
	ProgramID string
	MappingID string
	Pairs     []KVPair
}

// KVPair is a single finalize-state key/value pair inside a checkpoint entry.
type KVPair struct {
	Key   string
	Value string
}
