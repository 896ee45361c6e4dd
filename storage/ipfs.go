package storage

import (
	"bytes"
	"context"
	"io"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/pkg/errors"
)

// IpfsStat is the subset of the files/stat response the node uses.
type IpfsStat struct {
	Type           string
	Size           int64
	CumulativeSize int64
}

// Ipfs is the node's view of the IPFS daemon.
type Ipfs interface {
	Add(ctx context.Context, value []byte, pin bool) (string, error)
	ComputeCid(value []byte) (string, error)
	Cat(ctx context.Context, hash string) ([]byte, error)
	PinAdd(ctx context.Context, hash string) error
	PinRm(ctx context.Context, hash string) error
	Stat(ctx context.Context, hash string) (*IpfsStat, error)
	RepoGC(ctx context.Context) error
}

// IpfsClient talks to a kubo daemon over its HTTP API.
type IpfsClient struct {
	sh *shell.Shell
}

// NewIpfsClient connects to the daemon at addr (host:port or multiaddr).
func NewIpfsClient(addr string) *IpfsClient {
	return &IpfsClient{sh: shell.NewShell(addr)}
}

// Add stores the value on IPFS and returns its CID.
func (c *IpfsClient) Add(_ context.Context, value []byte, pin bool) (string, error) {
	cidStr, err := c.sh.Add(bytes.NewReader(value), shell.Pin(pin))
	return cidStr, errors.Wrap(err, "could not add file to ipfs")
}

// ComputeCid returns the CID the daemon would assign, without storing the
// value.
func (c *IpfsClient) ComputeCid(value []byte) (string, error) {
	cidStr, err := c.sh.Add(bytes.NewReader(value), shell.OnlyHash(true))
	return cidStr, errors.Wrap(err, "could not compute cid")
}

// Cat downloads the full content of a CID.
func (c *IpfsClient) Cat(ctx context.Context, hash string) ([]byte, error) {
	resp, err := c.sh.Request("cat", hash).Send(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not cat ipfs content")
	}
	defer func() {
		_ = resp.Close()
	}()
	if resp.Error != nil {
		return nil, errors.Wrap(resp.Error, "could not cat ipfs content")
	}
	value, err := io.ReadAll(resp.Output)
	return value, errors.Wrap(err, "could not read ipfs content")
}

// PinAdd pins a CID recursively.
func (c *IpfsClient) PinAdd(ctx context.Context, hash string) error {
	return errors.Wrap(c.sh.Request("pin/add", hash).Exec(ctx, nil), "could not pin hash")
}

// PinRm unpins a CID. "not pinned" answers are not errors for us.
func (c *IpfsClient) PinRm(ctx context.Context, hash string) error {
	return errors.Wrap(c.sh.Request("pin/rm", hash).Exec(ctx, nil), "could not unpin hash")
}

// Stat returns the object metadata of a CID.
func (c *IpfsClient) Stat(ctx context.Context, hash string) (*IpfsStat, error) {
	stat, err := c.sh.FilesStat(ctx, "/ipfs/"+hash)
	if err != nil {
		return nil, errors.Wrap(err, "could not stat ipfs object")
	}
	return &IpfsStat{
		Type:           stat.Type,
		Size:           int64(stat.Size),
		CumulativeSize: int64(stat.CumulativeSize),
	}, nil
}

// TopicStream delivers the raw payloads of one pubsub topic.
type TopicStream struct {
	sub *shell.PubSubSubscription
}

// Next blocks until the next payload arrives.
func (s *TopicStream) Next() ([]byte, error) {
	msg, err := s.sub.Next()
	if err != nil {
		return nil, errors.Wrap(err, "could not read pubsub message")
	}
	return msg.Data, nil
}

// Cancel unsubscribes the stream.
func (s *TopicStream) Cancel() error {
	return errors.Wrap(s.sub.Cancel(), "could not cancel pubsub subscription")
}

// Subscribe joins a pubsub topic through the daemon.
func (c *IpfsClient) Subscribe(topic string) (*TopicStream, error) {
	sub, err := c.sh.PubSubSubscribe(topic)
	if err != nil {
		return nil, errors.Wrap(err, "could not subscribe to pubsub topic")
	}
	return &TopicStream{sub: sub}, nil
}

// RepoGC triggers a garbage collection run in the daemon repo.
func (c *IpfsClient) RepoGC(ctx context.Context) error {
	resp, err := c.sh.Request("repo/gc").Send(ctx)
	if err != nil {
		return errors.Wrap(err, "could not run ipfs repo gc")
	}
	defer func() {
		_ = resp.Close()
	}()
	if resp.Error != nil {
		return errors.Wrap(resp.Error, "could not run ipfs repo gc")
	}
	_, err = io.Copy(io.Discard, resp.Output)
	return errors.Wrap(err, "could not drain ipfs repo gc output")
}
