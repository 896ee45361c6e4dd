// Package config holds the node configuration: defaults, the YAML
// overlay and the command-line overrides applied on top.
package config

import (
	"fmt"
	"time"
)

// Config is the full node configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	IPFS     IpfsConfig     `yaml:"ipfs"`
	Storage  StorageConfig  `yaml:"storage"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Balances BalancesConfig `yaml:"balances"`
	Credits  CreditsConfig  `yaml:"credits"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Chains configures per-chain integrations, keyed by lowercase chain
	// name (ethereum, bsc, solana, tezos, ...).
	Chains map[string]ChainConfig `yaml:"chains"`

	// ApiServers seeds the peer list content can be fetched from.
	ApiServers []string `yaml:"api_servers"`
}

// PostgresConfig locates the relational store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	MaxConns int    `yaml:"max_connections"`
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RabbitMQConfig locates the message broker.
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// URL renders the AMQP dial string.
func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.Username, c.Password, c.Host, c.Port)
}

// RedisConfig locates the node cache.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// Addr renders the go-redis address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IpfsConfig controls the IPFS subsystem.
type IpfsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReconnectDelay int    `yaml:"reconnect_delay"`
	SyncTopic      string `yaml:"sync_topic"`
}

// Addr renders the daemon API address.
func (c IpfsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig controls the local blob store and the file GC.
type StorageConfig struct {
	Folder string `yaml:"folder"`
	// GracePeriodHours is how long an unpinned file survives.
	GracePeriodHours int `yaml:"grace_period"`
	// StoreFiles makes the node download and keep STORE bodies.
	StoreFiles bool `yaml:"store_files"`
	// GCIntervalHours separates garbage collection passes.
	GCIntervalHours int `yaml:"gc_interval"`
}

// GracePeriod returns the grace period as a duration.
func (c StorageConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodHours) * time.Hour
}

// GCInterval returns the GC period as a duration.
func (c StorageConfig) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalHours) * time.Hour
}

// JobsConfig sizes the pipeline worker pools.
type JobsConfig struct {
	PendingMessages PendingMessagesConfig `yaml:"pending_messages"`
	PendingTxs      PendingTxsConfig      `yaml:"pending_txs"`
}

// PendingMessagesConfig sizes the fetch and process stages.
type PendingMessagesConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency"`
	ProcessConcurrency int `yaml:"process_concurrency"`
	MaxRetries         int `yaml:"max_retries"`
}

// PendingTxsConfig sizes the tx stage.
type PendingTxsConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// BalancesConfig authorizes balance snapshot publishers.
type BalancesConfig struct {
	Addresses []string `yaml:"addresses"`
	PostType  string   `yaml:"post_type"`
	Channels  []string `yaml:"channels"`
}

// CreditsConfig authorizes credit ledger publishers.
type CreditsConfig struct {
	Addresses []string `yaml:"addresses"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr renders the listen address.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChainConfig configures one chain integration.
type ChainConfig struct {
	Enabled bool `yaml:"enabled"`
	// PackingNode makes this node publish sync archives for the chain.
	PackingNode  bool   `yaml:"packing_node"`
	SyncContract string `yaml:"sync_contract"`
	IndexerURL   string `yaml:"indexer_url"`
	ChainID      int    `yaml:"chain_id"`
	PrivateKey   string `yaml:"private_key"`
}

// DefaultConfig returns the configuration a bare node starts with.
func DefaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "aleph",
			Password: "decentralize-everything",
			Database: "aleph",
			MaxConns: 50,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "127.0.0.1",
			Port:     5672,
			Username: "guest",
			Password: "guest",
		},
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		IPFS: IpfsConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           5001,
			ReconnectDelay: 5,
			SyncTopic:      "ALEPH-SYNC",
		},
		Storage: StorageConfig{
			Folder:           "./data/files",
			GracePeriodHours: 24,
			StoreFiles:       true,
			GCIntervalHours:  1,
		},
		Jobs: JobsConfig{
			PendingMessages: PendingMessagesConfig{
				MaxConcurrency:     20,
				ProcessConcurrency: 5,
				MaxRetries:         10,
			},
			PendingTxs: PendingTxsConfig{MaxConcurrency: 200},
		},
		Balances: BalancesConfig{
			PostType: "balances-update",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Chains: make(map[string]ChainConfig),
	}
}
