package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// ApiServerSource lists peer API servers content can be fetched from.
// The node cache keeps the list fresh from P2P gossip.
type ApiServerSource interface {
	RandomApiServers(ctx context.Context, limit int) ([]string, error)
}

const (
	peerFetchTimeout  = 30 * time.Second
	ipfsFetchTimeout  = 2 * time.Minute
	maxPeerCandidates = 5
)

// FetchOptions control where GetHashContent is allowed to look.
type FetchOptions struct {
	UseNetwork bool
	UseIpfs    bool
	StoreValue bool
	Timeout    time.Duration
}

// DefaultFetchOptions look everywhere and write fetched content back to
// the local store.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{UseNetwork: true, UseIpfs: true, StoreValue: true}
}

// Service resolves content-addressed values from the local blob store,
// peer API servers and the IPFS daemon, in that order.
type Service struct {
	engine     Engine
	ipfs       Ipfs
	servers    ApiServerSource
	httpClient *http.Client
}

// NewService wires the content fetch service. ipfs and servers may be nil
// when the corresponding source is disabled.
func NewService(engine Engine, ipfs Ipfs, servers ApiServerSource) *Service {
	return &Service{
		engine:     engine,
		ipfs:       ipfs,
		servers:    servers,
		httpClient: &http.Client{Timeout: peerFetchTimeout},
	}
}

// verifyHashContent checks that the fetched bytes really are the content
// the hash names. Storage hashes are plain sha256 hex; IPFS hashes are
// recomputed by the daemon without storing the value.
func (s *Service) verifyHashContent(hash string, itemType types.ItemType, value []byte) error {
	switch itemType {
	case types.ItemTypeIPFS:
		expected, err := cid.Decode(hash)
		if err != nil {
			return errors.Wrap(err, "invalid cid")
		}
		// Raw-codec CIDs hash the bytes directly, so the digest can be
		// checked without a daemon. Dag-pb CIDs depend on the chunker and
		// need the daemon to recompute them.
		if expected.Prefix().Codec == cid.Raw {
			digest, err := multihash.Sum(value, expected.Prefix().MhType, -1)
			if err != nil {
				return errors.Wrap(err, "could not hash content")
			}
			if !expected.Equals(cid.NewCidV1(cid.Raw, digest)) {
				return errors.Errorf("cid mismatch: expected %s", hash)
			}
			return nil
		}
		if s.ipfs == nil {
			return errors.New("ipfs disabled, cannot verify cid")
		}
		computed, err := s.ipfs.ComputeCid(value)
		if err != nil {
			return err
		}
		actual, err := cid.Decode(computed)
		if err != nil {
			return errors.Wrap(err, "could not parse computed cid")
		}
		if !expected.Equals(actual) {
			return errors.Errorf("cid mismatch: expected %s, got %s", hash, computed)
		}
	default:
		if computed := types.HashItemContent(value); computed != hash {
			return errors.Errorf("hash mismatch: expected %s, got %s", hash, computed)
		}
	}
	return nil
}

func (s *Service) fetchFromPeer(ctx context.Context, server, hash string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, peerFetchTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/api/v0/storage/raw/%s?find", server, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not build peer request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "peer request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("peer answered %d", resp.StatusCode)
	}
	value, err := io.ReadAll(io.LimitReader(resp.Body, 1<<30))
	return value, errors.Wrap(err, "could not read peer response")
}

func (s *Service) fetchFromNetwork(ctx context.Context, hash string, itemType types.ItemType) []byte {
	if s.servers == nil {
		return nil
	}
	servers, err := s.servers.RandomApiServers(ctx, maxPeerCandidates)
	if err != nil {
		log.WithError(err).Warn("Could not list peer API servers")
		return nil
	}
	for _, server := range servers {
		value, err := s.fetchFromPeer(ctx, server, hash)
		if err != nil {
			log.WithError(err).WithFields(map[string]interface{}{
				"server": server,
				"hash":   hash,
			}).Debug("Peer fetch failed")
			continue
		}
		if err := s.verifyHashContent(hash, itemType, value); err != nil {
			log.WithError(err).WithField("server", server).Warn("Peer served corrupt content")
			continue
		}
		return value
	}
	return nil
}

func (s *Service) fetchFromIpfs(ctx context.Context, hash string) []byte {
	if s.ipfs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ipfsFetchTimeout)
	defer cancel()
	value, err := s.ipfs.Cat(ctx, hash)
	if err != nil {
		log.WithError(err).WithField("hash", hash).Debug("IPFS fetch failed")
		return nil
	}
	return value
}

// GetHashContent resolves a hash to its bytes, trying the local store,
// then peers, then IPFS. A miss everywhere is the retryable
// content-unavailable error, never a permanent rejection.
func (s *Service) GetHashContent(ctx context.Context, hash string, itemType types.ItemType, opts FetchOptions) ([]byte, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	value, err := s.engine.Read(hash)
	if err != nil {
		return nil, err
	}
	if value != nil {
		return value, nil
	}

	if opts.UseNetwork {
		value = s.fetchFromNetwork(ctx, hash, itemType)
	}
	if value == nil && opts.UseIpfs && itemType == types.ItemTypeIPFS {
		value = s.fetchFromIpfs(ctx, hash)
	}
	if value == nil {
		return nil, types.ErrContentUnavailable.WithDetails(map[string]interface{}{"item_hash": hash})
	}

	if opts.StoreValue {
		if err := s.engine.Write(hash, value); err != nil {
			log.WithError(err).WithField("hash", hash).Warn("Could not persist fetched content")
		}
	}
	return value, nil
}

// GetMessageContent returns the raw content bytes of a message, fetching
// them when the message is not inline.
func (s *Service) GetMessageContent(ctx context.Context, message *types.PendingMessage) ([]byte, error) {
	var raw []byte
	if message.ItemType == types.ItemTypeInline {
		if message.ItemContent == nil {
			return nil, errors.Wrap(types.ErrInvalidFormat, "inline message without item_content")
		}
		raw = []byte(*message.ItemContent)
	} else {
		itemType, err := types.ItemTypeFromHash(message.ItemHash)
		if err != nil {
			return nil, types.ErrInvalidFormat.WithDetails(map[string]interface{}{"reason": err.Error()})
		}
		raw, err = s.GetHashContent(ctx, message.ItemHash, itemType, DefaultFetchOptions())
		if err != nil {
			return nil, err
		}
	}
	if err := types.CheckRawContent(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// AddFile stores raw bytes under the given engine and returns the hash.
func (s *Service) AddFile(ctx context.Context, value []byte, itemType types.ItemType) (string, error) {
	if itemType == types.ItemTypeIPFS {
		if s.ipfs == nil {
			return "", errors.New("ipfs disabled")
		}
		return s.ipfs.Add(ctx, value, true)
	}
	hash := types.HashItemContent(value)
	if err := s.engine.Write(hash, value); err != nil {
		return "", err
	}
	return hash, nil
}

// AddJSON serializes a value and stores it like AddFile.
func (s *Service) AddJSON(ctx context.Context, value interface{}, itemType types.ItemType) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "could not serialize value")
	}
	return s.AddFile(ctx, raw, itemType)
}

// PinHash asks the IPFS daemon to pin a CID. Non-IPFS hashes are pinned
// implicitly by living in the blob store.
func (s *Service) PinHash(ctx context.Context, hash string) error {
	if s.ipfs == nil {
		return nil
	}
	if _, err := cid.Decode(hash); err != nil {
		return nil
	}
	return s.ipfs.PinAdd(ctx, hash)
}

// GetFileSize returns the stored size of a hash, asking the IPFS daemon
// for the cumulative DAG size of CIDs the blob store does not hold.
func (s *Service) GetFileSize(ctx context.Context, hash string, itemType types.ItemType) (int64, error) {
	value, err := s.engine.Read(hash)
	if err != nil {
		return -1, err
	}
	if value != nil {
		return int64(len(value)), nil
	}
	if itemType == types.ItemTypeIPFS && s.ipfs != nil {
		stat, err := s.ipfs.Stat(ctx, hash)
		if err != nil {
			return -1, err
		}
		return stat.CumulativeSize, nil
	}
	return -1, types.ErrContentUnavailable.WithDetails(map[string]interface{}{"item_hash": hash})
}
