package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Cache struct {
	// MaxBlocks caps the finality cache; the oldest view is pruned on
	// append past this.
	MaxBlocks int
}

type Parent struct {
	// Enabled is false on the root subnet: there is no parent to
	// follow and the finality provider is toggled off.
	Enabled bool
	// ChainHeadDelay is the confirmation depth for parent reads.
	ChainHeadDelay uint64
	// PollingInterval is the normal poll cadence.
	PollingInterval time.Duration
	// RetryDelay caps the backoff between failed parent polls.
	RetryDelay time.Duration
	// GenesisEpoch is the parent height the subnet was created at.
	GenesisEpoch uint64
}

type Votes struct {
	// Quorum is reached strictly above QuorumNum/QuorumDen of total
	// power.
	QuorumNum uint64
	QuorumDen uint64
}

type Content struct {
	RateLimitBytes  int64
	RateLimitPeriod time.Duration
	RequestTimeout  time.Duration
}

type Membership struct {
	StaticSubnets         []string
	MaxSubnets            int
	PublishInterval       time.Duration
	MinTimeBetweenPublish time.Duration
	MaxProviderAge        time.Duration
}

type P2P struct {
	ListenAddr        string
	ExternalAddresses []string
	MaxIncoming       int
	TargetConnections int
	StaticAddresses   []string
	EnableKademlia    bool
	MaxPeersPerQuery  int
	ResolveTimeout    time.Duration
	Content           Content
	Membership        Membership
}

type Exec struct {
	// BlockLookbackLen sizes the in-state block hash ring.
	BlockLookbackLen uint64
	// HaltHeight stops the node after committing this height; 0 never.
	HaltHeight int64
	// MaxTxBytes budgets a proposal.
	MaxTxBytes int64
	// BlockInterval paces the dev block production loop.
	BlockInterval time.Duration
}

type Node struct {
	// Subnet is this node's hierarchical subnet id.
	Subnet string
	// NetworkName differentiates the peer group.
	NetworkName string
	DataDir     string
	// ValidatorKey is the hex secp256k1 key used for vote signing.
	ValidatorKey string
	MetricsAddr  string
	ChainID      uint64
}

type Config struct {
	Node   Node
	Cache  Cache
	Parent Parent
	Votes  Votes
	P2P    P2P
	Exec   Exec
}

func Default() Config {
	return Config{
		Node: Node{
			Subnet:      "/root/subnet-dev",
			NetworkName: "subnetd-dev",
			DataDir:     "data",
			MetricsAddr: "127.0.0.1:9184",
			ChainID:     1702,
		},
		Cache: Cache{MaxBlocks: 500},
		Parent: Parent{
			Enabled:         true,
			ChainHeadDelay:  10,
			PollingInterval: 10 * time.Second,
			RetryDelay:      60 * time.Second,
		},
		Votes: Votes{QuorumNum: 2, QuorumDen: 3},
		P2P: P2P{
			ListenAddr:        "/ip4/0.0.0.0/tcp/26655",
			MaxIncoming:       200,
			TargetConnections: 50,
			EnableKademlia:    true,
			MaxPeersPerQuery:  4,
			ResolveTimeout:    30 * time.Second,
			Content: Content{
				RateLimitBytes:  8 << 20,
				RateLimitPeriod: time.Hour,
				RequestTimeout:  10 * time.Second,
			},
			Membership: Membership{
				MaxSubnets:            100,
				PublishInterval:       time.Minute,
				MinTimeBetweenPublish: 5 * time.Second,
				MaxProviderAge:        5 * time.Minute,
			},
		},
		Exec: Exec{
			BlockLookbackLen: 256,
			MaxTxBytes:       1 << 22,
			BlockInterval:    time.Second,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setStr(&cfg.Node.Subnet, "NODE_SUBNET")
	setStr(&cfg.Node.NetworkName, "NODE_NETWORK_NAME")
	setStr(&cfg.Node.DataDir, "NODE_DATA_DIR")
	setStr(&cfg.Node.ValidatorKey, "NODE_VALIDATOR_KEY")
	setStr(&cfg.Node.MetricsAddr, "NODE_METRICS_ADDR")
	setUint(&cfg.Node.ChainID, "NODE_CHAIN_ID")

	setInt(&cfg.Cache.MaxBlocks, "CACHE_MAX_BLOCKS")

	setBool(&cfg.Parent.Enabled, "PARENT_ENABLED")
	setUint(&cfg.Parent.ChainHeadDelay, "PARENT_CHAIN_HEAD_DELAY")
	setDurSecs(&cfg.Parent.PollingInterval, "PARENT_POLLING_INTERVAL_S")
	setDurSecs(&cfg.Parent.RetryDelay, "PARENT_RETRY_DELAY_S")
	setUint(&cfg.Parent.GenesisEpoch, "PARENT_GENESIS_EPOCH")

	setUint(&cfg.Votes.QuorumNum, "VOTES_QUORUM_NUM")
	setUint(&cfg.Votes.QuorumDen, "VOTES_QUORUM_DEN")

	setStr(&cfg.P2P.ListenAddr, "P2P_LISTEN_ADDR")
	setList(&cfg.P2P.ExternalAddresses, "P2P_EXTERNAL_ADDRESSES")
	setInt(&cfg.P2P.MaxIncoming, "P2P_MAX_INCOMING")
	setInt(&cfg.P2P.TargetConnections, "P2P_TARGET_CONNECTIONS")
	setList(&cfg.P2P.StaticAddresses, "P2P_STATIC_ADDRESSES")
	setBool(&cfg.P2P.EnableKademlia, "P2P_ENABLE_KADEMLIA")
	setInt(&cfg.P2P.MaxPeersPerQuery, "P2P_MAX_PEERS_PER_QUERY")
	setDurSecs(&cfg.P2P.ResolveTimeout, "P2P_RESOLVE_TIMEOUT_S")

	setInt64(&cfg.P2P.Content.RateLimitBytes, "P2P_CONTENT_RATE_LIMIT_BYTES")
	setDurSecs(&cfg.P2P.Content.RateLimitPeriod, "P2P_CONTENT_RATE_LIMIT_PERIOD_S")
	setDurSecs(&cfg.P2P.Content.RequestTimeout, "P2P_CONTENT_REQUEST_TIMEOUT_S")

	setList(&cfg.P2P.Membership.StaticSubnets, "P2P_MEMBERSHIP_STATIC_SUBNETS")
	setInt(&cfg.P2P.Membership.MaxSubnets, "P2P_MEMBERSHIP_MAX_SUBNETS")
	setDurSecs(&cfg.P2P.Membership.PublishInterval, "P2P_MEMBERSHIP_PUBLISH_INTERVAL_S")
	setDurSecs(&cfg.P2P.Membership.MinTimeBetweenPublish, "P2P_MEMBERSHIP_MIN_TIME_BETWEEN_PUBLISH_S")
	setDurSecs(&cfg.P2P.Membership.MaxProviderAge, "P2P_MEMBERSHIP_MAX_PROVIDER_AGE_S")

	setUint(&cfg.Exec.BlockLookbackLen, "EXEC_BLOCK_LOOKBACK_LEN")
	setInt64(&cfg.Exec.HaltHeight, "EXEC_HALT_HEIGHT")
	setInt64(&cfg.Exec.MaxTxBytes, "EXEC_MAX_TX_BYTES")
	setDurMs(&cfg.Exec.BlockInterval, "EXEC_BLOCK_INTERVAL_MS")

	return cfg
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Split(v, ",")
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDurSecs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setDurMs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
