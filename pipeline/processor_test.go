package pipeline

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/handlers"
	"github.com/aleph-im/aleph-node/types"
)

type stubRows struct {
	columns []string
	rows    [][]driver.Value
}

func (r *stubRows) Columns() []string { return r.columns }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

// recordingConn serves canned result sets and keeps every statement it
// saw, in execution order.
type recordingConn struct {
	mu         sync.Mutex
	statements []string
	respond    func(query string) *stubRows
}

func (c *recordingConn) record(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, query)
}

func (c *recordingConn) indexOf(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, statement := range c.statements {
		if strings.Contains(statement, substr) {
			return i
		}
	}
	return -1
}

func (c *recordingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return stubTx{}, nil }

func (c *recordingConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return stubTx{}, nil
}

func (c *recordingConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.record(query)
	return driver.RowsAffected(1), nil
}

func (c *recordingConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.record(query)
	if c.respond != nil {
		if rows := c.respond(query); rows != nil {
			return rows, nil
		}
	}
	return &stubRows{}, nil
}

type stubConnector struct{ conn *recordingConn }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open through the connector")
}

func recordingStore(conn *recordingConn) *db.Store {
	return db.NewStoreWithDB(sqlx.NewDb(sql.OpenDB(stubConnector{conn: conn}), "postgres"))
}

func testRegistry() *handlers.Registry {
	return handlers.NewRegistry(
		handlers.NewPostHandler(handlers.PostConfig{}),
		handlers.NewAggregateHandler(),
		handlers.NewStoreHandler(nil, nil, handlers.StoreConfig{}),
		handlers.NewVmHandler(),
	)
}

// account_costs.item_hash references messages (item_hash), so the
// message row must hit the transaction before the handler bills the
// owner.
func TestApplyMessageWritesMessageRowBeforeCosts(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	contentJSON := `{"address":"0xabc","time":1700000000,` +
		`"resources":{"vcpus":1,"memory":2048,"seconds":30},` +
		`"rootfs":{"parent":{"ref":"aaa"},"persistence":"host","size_mib":20480}}`
	signature := "sig"
	pending := &types.PendingMessage{
		ID:            1,
		ItemHash:      "inst-hash",
		Type:          types.MessageTypeInstance,
		Chain:         types.ChainEthereum,
		Sender:        "0xabc",
		Signature:     &signature,
		ItemType:      types.ItemTypeInline,
		ItemContent:   &contentJSON,
		Content:       json.RawMessage(contentJSON),
		Time:          now,
		CheckMessage:  true,
		Fetched:       true,
		ReceptionTime: now,
	}

	conn := &recordingConn{respond: func(query string) *stubRows {
		switch {
		case strings.Contains(query, "FROM pending_messages"):
			return &stubRows{
				columns: []string{"id", "item_hash", "type", "chain", "sender", "signature",
					"item_type", "item_content", "content", "time", "channel", "retries",
					"next_attempt", "check_message", "fetched", "tx_hash", "reception_time"},
				rows: [][]driver.Value{{int64(1), "inst-hash", "INSTANCE", "ETH", "0xabc",
					"sig", "inline", contentJSON, []byte(contentJSON), now, nil, int64(0),
					now, true, true, nil, now}},
			}
		case strings.Contains(query, "DISTINCT item_hash FROM file_pins"):
			return &stubRows{columns: []string{"item_hash"}, rows: [][]driver.Value{{"aaa"}}}
		case strings.Contains(query, "FROM file_pins"):
			return &stubRows{
				columns: []string{"id", "file_hash", "created", "type", "tx_hash", "owner",
					"item_hash", "ref", "delete_by"},
				rows: [][]driver.Value{{int64(7), "rootfs-file", now, "message",
					nil, nil, "aaa", nil, nil}},
			}
		case strings.Contains(query, "FROM files"):
			return &stubRows{
				columns: []string{"hash", "size", "type"},
				rows:    [][]driver.Value{{"rootfs-file", int64(1 << 20), "file"}},
			}
		case strings.Contains(query, "FROM balances"):
			return &stubRows{columns: []string{"coalesce"}, rows: [][]driver.Value{{"1000000000"}}}
		case strings.Contains(query, "FROM account_costs"):
			return &stubRows{columns: []string{"coalesce"}, rows: [][]driver.Value{{"0"}}}
		default:
			return nil
		}
	}}

	p := &Processor{registry: testRegistry()}
	var result outcome
	err := recordingStore(conn).WithTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		result, err = p.applyMessage(context.Background(), tx, pending)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, outcomeProcessed, result)

	messageAt := conn.indexOf("INSERT INTO messages")
	costAt := conn.indexOf("INSERT INTO account_costs")
	require.NotEqual(t, -1, messageAt, "processing must write the message row")
	require.NotEqual(t, -1, costAt, "instance processing must bill the owner")
	assert.Less(t, messageAt, costAt,
		"the message row must precede the account_costs rows that reference it")
}

type recordingResults struct {
	retried  []string
	statuses []types.MessageStatus
}

func (r *recordingResults) PublishMessageResult(_ context.Context, status types.MessageStatus, _, _ string, _ []byte) error {
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recordingResults) PublishRetryResult(_ context.Context, itemHash, _ string, _ []byte) error {
	r.retried = append(r.retried, itemHash)
	return nil
}

func TestHandleFailureAnnouncesRetries(t *testing.T) {
	store := recordingStore(&recordingConn{})
	results := &recordingResults{}
	pending := &types.PendingMessage{ID: 3, ItemHash: "flaky", Sender: "0xabc"}

	out := handleFailure(context.Background(), store, results, DefaultRetryPolicy(),
		pending, types.ErrContentUnavailable)
	assert.Equal(t, outcomeRetried, out)
	require.Equal(t, []string{"flaky"}, results.retried)
	assert.Empty(t, results.statuses)

	out = handleFailure(context.Background(), store, results, DefaultRetryPolicy(),
		pending, types.ErrInvalidSignature)
	assert.Equal(t, outcomeRejected, out)
	assert.Equal(t, []types.MessageStatus{types.MessageStatusRejected}, results.statuses)
	assert.Len(t, results.retried, 1, "terminal rejections are not retries")
}
