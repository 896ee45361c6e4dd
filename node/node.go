// Package node assembles and runs the aleph node: it owns the shared
// resources (database, broker, cache, blob store) and registers every
// long-running service in dependency order.
package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/cache"
	"github.com/aleph-im/aleph-node/chains"
	"github.com/aleph-im/aleph-node/chains/indexer"
	"github.com/aleph-im/aleph-node/config"
	"github.com/aleph-im/aleph-node/crypto/verifiers"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/handlers"
	"github.com/aleph-im/aleph-node/monitoring/prometheus"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/pipeline"
	"github.com/aleph-im/aleph-node/runtime"
	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "node")

// chainsByName maps config chain names to wire identifiers.
var chainsByName = map[string]types.Chain{
	"ethereum": types.ChainEthereum,
	"bsc":      types.ChainBsc,
	"solana":   types.ChainSolana,
	"tezos":    types.ChainTezos,
}

// Node is the assembled aleph node.
type Node struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *config.Config
	services *runtime.ServiceRegistry

	store    *db.Store
	mqClient *mq.Client
	cache    *cache.NodeCache

	lock sync.Mutex
	stop chan struct{}
}

// New connects the shared resources and registers every service. The
// node does not run until Start is called.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := n.connectResources(ctx, cfg); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerServices(ctx, cfg); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) connectResources(ctx context.Context, cfg *config.Config) error {
	store, err := db.NewStore(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	n.store = store

	mqClient, err := mq.NewClient(ctx, cfg.RabbitMQ.URL())
	if err != nil {
		return err
	}
	n.mqClient = mqClient

	nodeCache, err := cache.NewNodeCache(ctx, cfg.Redis.Addr(), cfg.Redis.DB)
	if err != nil {
		return err
	}
	n.cache = nodeCache
	for _, server := range cfg.ApiServers {
		if err := nodeCache.AddApiServer(ctx, server); err != nil {
			log.WithError(err).WithField("server", server).Warn("Could not seed api server")
		}
	}
	return nil
}

func (n *Node) registerServices(ctx context.Context, cfg *config.Config) error {
	engine, err := storage.NewFileSystemEngine(cfg.Storage.Folder)
	if err != nil {
		return err
	}
	var ipfs storage.Ipfs
	var ipfsClient *storage.IpfsClient
	if cfg.IPFS.Enabled {
		ipfsClient = storage.NewIpfsClient(cfg.IPFS.Addr())
		ipfs = ipfsClient
	}
	storageSvc := storage.NewService(engine, ipfs, n.cache)

	registry := handlers.NewRegistry(
		handlers.NewPostHandler(handlers.PostConfig{
			BalancesPostType:  cfg.Balances.PostType,
			BalancesAddresses: cfg.Balances.Addresses,
			CreditAddresses:   cfg.Credits.Addresses,
			Channels:          cfg.Balances.Channels,
		}),
		handlers.NewAggregateHandler(),
		handlers.NewStoreHandler(storageSvc, ipfs, handlers.StoreConfig{
			StoreFiles:  cfg.Storage.StoreFiles,
			IpfsEnabled: cfg.IPFS.Enabled,
			GracePeriod: cfg.Storage.GracePeriod(),
		}),
		handlers.NewVmHandler(),
	)

	retry := pipeline.DefaultRetryPolicy()
	if cfg.Jobs.PendingMessages.MaxRetries > 0 {
		retry.MaxRetries = cfg.Jobs.PendingMessages.MaxRetries
	}

	verifier := verifiers.NewSignatureVerifier()
	fetcher := pipeline.NewFetcher(ctx, n.store, storageSvc, verifier, n.mqClient, retry,
		cfg.Jobs.PendingMessages.MaxConcurrency)
	if err := n.services.RegisterService(fetcher); err != nil {
		return err
	}

	processor := pipeline.NewProcessor(ctx, n.store, n.mqClient, registry, retry,
		cfg.Jobs.PendingMessages.ProcessConcurrency)
	if err := n.services.RegisterService(processor); err != nil {
		return err
	}

	if ipfsClient != nil && cfg.IPFS.SyncTopic != "" {
		listener := pipeline.NewListener(ctx, ipfsClient, cfg.IPFS.SyncTopic,
			time.Duration(cfg.IPFS.ReconnectDelay)*time.Second,
			pipeline.NewPublisher(n.store, n.mqClient))
		if err := n.services.RegisterService(listener); err != nil {
			return err
		}
	}

	data := chains.NewDataService(storageSvc)
	txProcessor := pipeline.NewTxProcessor(ctx, n.store, data, cfg.Jobs.PendingTxs.MaxConcurrency)
	if err := n.services.RegisterService(txProcessor); err != nil {
		return err
	}

	readers := n.buildIndexerReaders(ctx, cfg)
	if !readers.Empty() {
		if err := n.services.RegisterService(readers); err != nil {
			return err
		}
	}

	gc := storage.NewGarbageCollector(ctx, n.store, engine, ipfs, cfg.Storage.GCInterval())
	if err := n.services.RegisterService(gc); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metrics := prometheus.NewService(cfg.Metrics.Addr(), n.services)
		if err := n.services.RegisterService(metrics); err != nil {
			return err
		}
	}
	return nil
}

// buildIndexerReaders sets one message and one sync stream up per chain
// with a configured indexer.
func (n *Node) buildIndexerReaders(ctx context.Context, cfg *config.Config) *indexer.Readers {
	publisher := chains.NewPendingTxPublisher(n.store, n.mqClient, n.cache)
	readers := indexer.NewReaders()
	for name, chainCfg := range cfg.Chains {
		if !chainCfg.Enabled || chainCfg.IndexerURL == "" || chainCfg.SyncContract == "" {
			continue
		}
		chain, ok := chainsByName[name]
		if !ok {
			log.WithField("chain", name).Warn("Unknown chain name in config, skipping")
			continue
		}
		if _, ok := indexer.BlockchainName(chain); !ok {
			log.WithField("chain", name).Warn("Chain has no indexer support, skipping")
			continue
		}
		client := indexer.NewClient(chainCfg.IndexerURL)
		for _, eventType := range []indexer.EventType{indexer.EventTypeMessage, indexer.EventTypeSync} {
			readers.Add(indexer.NewReader(ctx, chain, eventType, chainCfg.SyncContract,
				client, n.store, publisher))
		}
	}
	return readers
}

// Start launches every service and blocks until the node stops.
func (n *Node) Start() {
	n.lock.Lock()
	log.Info("Starting aleph node")
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("interrupted node shutdown")
	}()

	<-stop
}

// Close stops every service in reverse order and releases the shared
// resources.
func (n *Node) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping aleph node")
	n.services.StopAll()
	if err := n.mqClient.Close(); err != nil {
		log.WithError(err).Warn("Could not close message broker connection")
	}
	if err := n.cache.Close(); err != nil {
		log.WithError(err).Warn("Could not close node cache")
	}
	if err := n.store.Close(); err != nil {
		log.WithError(err).Warn("Could not close database")
	}
	n.cancel()
	close(n.stop)
}
