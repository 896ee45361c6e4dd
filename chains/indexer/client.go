// Package indexer reads aleph events from the remote message indexers
// (BSC, ETH, SOL) and feeds them into the pending-tx queue, tracking
// synced datetime windows as a multirange.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "indexer")

// EventType selects which indexer event stream to read.
type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeSync    EventType = "sync"
)

// blockchainNames maps chains to the identifiers the indexer expects.
var blockchainNames = map[types.Chain]string{
	types.ChainBsc:      "bsc",
	types.ChainEthereum: "ethereum",
	types.ChainSolana:   "solana",
}

// BlockchainName returns the indexer identifier of a chain.
func BlockchainName(chain types.Chain) (string, bool) {
	name, ok := blockchainNames[chain]
	return name, ok
}

// AccountState is the indexer's own progress for one account: the
// datetime windows it has fully processed.
type AccountState struct {
	Blockchain      string   `json:"blockchain"`
	Account         string   `json:"account"`
	CompleteHistory bool     `json:"completeHistory"`
	Progress        float64  `json:"progress"`
	Pending         []Window `json:"pending"`
	Processed       []Window `json:"processed"`
}

// Window is a datetime pair, serialized by the indexer either as a
// two-element array or as "start/end".
type Window struct {
	Start time.Time
	End   time.Time
}

// UnmarshalJSON accepts both window encodings.
func (w *Window) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return errors.Wrap(err, "could not decode datetime window")
		}
		pair = strings.Split(joined, "/")
	}
	if len(pair) != 2 {
		return errors.Errorf("datetime window with %d bounds", len(pair))
	}
	start, err := time.Parse(time.RFC3339, pair[0])
	if err != nil {
		return errors.Wrap(err, "could not parse window start")
	}
	end, err := time.Parse(time.RFC3339, pair[1])
	if err != nil {
		return errors.Wrap(err, "could not parse window end")
	}
	w.Start, w.End = start.UTC(), end.UTC()
	return nil
}

// Event is one indexer event. Message events carry {type, content};
// sync events carry the full on-chain envelope as a JSON string.
type Event struct {
	ID          string  `json:"id"`
	TimestampMs float64 `json:"timestamp"`
	Address     string  `json:"address"`
	Height      int64   `json:"height"`
	Transaction string  `json:"transaction"`

	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// Time returns the event time; indexer timestamps are milliseconds.
func (e *Event) Time() time.Time {
	ms := int64(e.TimestampMs)
	return time.UnixMilli(ms).UTC()
}

// Client queries one aleph message indexer over its GraphQL endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient builds an indexer client for the given base URL.
func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) query(ctx context.Context, query string, out interface{}) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return errors.Wrap(err, "could not encode indexer query")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not build indexer request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "indexer request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("indexer returned status %d", resp.StatusCode)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "could not decode indexer response")
}

// FetchAccountState returns the indexer progress for a sync contract.
func (c *Client) FetchAccountState(ctx context.Context, chain types.Chain, account string) (*AccountState, error) {
	blockchain, ok := BlockchainName(chain)
	if !ok {
		return nil, errors.Errorf("no indexer blockchain for chain %s", chain)
	}
	query := fmt.Sprintf(`
{
  state: accountState(blockchain: %q, account: [%q], type: log) {
    blockchain
    type
    indexer
    account
    completeHistory
    progress
    pending
    processed
  }
}`, blockchain, account)

	var response struct {
		Data struct {
			State []AccountState `json:"state"`
		} `json:"data"`
	}
	if err := c.query(ctx, query, &response); err != nil {
		return nil, err
	}
	if len(response.Data.State) == 0 {
		return nil, nil
	}
	return &response.Data.State[0], nil
}

// FetchEvents pages one datetime window of events, oldest first, up to
// limit.
func (c *Client) FetchEvents(ctx context.Context, chain types.Chain, eventType EventType, start, end time.Time, limit int) ([]Event, error) {
	blockchain, ok := BlockchainName(chain)
	if !ok {
		return nil, errors.Errorf("no indexer blockchain for chain %s", chain)
	}

	selection := "messageEvents"
	fields := "id\ntimestamp\naddress\nheight\ntransaction\ntype\ncontent"
	if eventType == EventTypeSync {
		selection = "syncEvents"
		fields = "id\ntimestamp\naddress\nheight\ntransaction\nmessage"
	}
	query := fmt.Sprintf(`
{
  %s(blockchain: %q, limit: %d, reverse: false, startDate: %d, endDate: %d) {
    %s
  }
}`, selection, blockchain, limit, start.UnixMilli(), end.UnixMilli(), fields)

	var response struct {
		Data struct {
			MessageEvents []Event `json:"messageEvents"`
			SyncEvents    []Event `json:"syncEvents"`
		} `json:"data"`
	}
	if err := c.query(ctx, query, &response); err != nil {
		return nil, err
	}
	if eventType == EventTypeSync {
		return response.Data.SyncEvents, nil
	}
	return response.Data.MessageEvents, nil
}

// EventChainTx converts one indexer event into the ChainTx it stands
// for. Message events wrap the event as a smart-contract payload; sync
// events already carry the full envelope.
func EventChainTx(chain types.Chain, eventType EventType, event *Event) (*types.ChainTx, error) {
	tx := &types.ChainTx{
		Hash:      event.Transaction,
		Chain:     chain,
		Height:    event.Height,
		Datetime:  event.Time(),
		Publisher: event.Address,
	}
	if eventType == EventTypeMessage {
		content, err := json.Marshal(map[string]interface{}{
			"address":   event.Address,
			"type":      event.Type,
			"content":   event.Content,
			"timestamp": event.TimestampMs,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not encode message event")
		}
		tx.Protocol = types.ChainSyncProtocolSmartContract
		tx.ProtocolVersion = 1
		tx.Content = content
		return tx, nil
	}

	var envelope types.SyncEnvelope
	if err := json.Unmarshal([]byte(event.Message), &envelope); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	tx.Protocol = envelope.Protocol
	tx.ProtocolVersion = envelope.Version
	tx.Content = envelope.Content
	return tx, nil
}
