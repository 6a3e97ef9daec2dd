package driver

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// DriverName is the name the driver is registered under.
const DriverName = "sqlproxy"

// txDSNPrefix marks a data source name that joins a transaction the host
// registered with SQLHost.RegisterTx.
const txDSNPrefix = "tx:"

// ErrNoHostHandler is returned when the driver is used before SetHostHandler.
var ErrNoHostHandler = errors.New("sqlproxy: host handler is not set")

// HostHandler delivers one request payload to the host and returns its
// response payload.
type HostHandler func(ctx context.Context, requestPayload []byte) (responsePayload []byte, err error)

var (
	handlerMu   sync.RWMutex
	hostHandler HostHandler
)

// SetHostHandler installs the function used to proxy queries to the host.
// It must be called before any database operations.
func SetHostHandler(handler HostHandler) {
	handlerMu.Lock()
	hostHandler = handler
	handlerMu.Unlock()
}

func currentHandler() HostHandler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return hostHandler
}

func init() {
	sql.Register(DriverName, &Driver{})
}

// TxDSN returns the data source name that joins the host transaction txID.
func TxDSN(txID string) string {
	return txDSNPrefix + txID
}

type hostResponse interface {
	HostError() string
}

// call sends req to the host and decodes its reply into a T.
func call[T hostResponse](ctx context.Context, req types.SQLRequest) (T, error) {
	var resp T
	handler := currentHandler()
	if handler == nil {
		return resp, ErrNoHostHandler
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	reqPayload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("sqlproxy: failed to marshal %s request: %w", req.Command, err)
	}
	respPayload, err := handler(ctx, reqPayload)
	if err != nil {
		return resp, fmt.Errorf("sqlproxy: host call for %s failed: %w", req.Command, err)
	}

	dec := json.NewDecoder(bytes.NewReader(respPayload))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return resp, fmt.Errorf("sqlproxy: failed to unmarshal %s response: %w", req.Command, err)
	}
	if msg := resp.HostError(); msg != "" {
		return resp, fmt.Errorf("sqlproxy: host %s error: %s", req.Command, msg)
	}
	return resp, nil
}

// Driver is the SQL driver for the proxy.
type Driver struct{}

// Open returns a new connection to the database. A name made by TxDSN joins
// a transaction owned by the host; any other name is ignored.
func (d *Driver) Open(name string) (driver.Conn, error) {
	if currentHandler() == nil {
		return nil, ErrNoHostHandler
	}
	conn := &Conn{}
	if txID, ok := strings.CutPrefix(name, txDSNPrefix); ok {
		conn.HostTxID = txID
	}
	return conn, nil
}

// Conn implements driver.Conn along with its context-aware extensions.
type Conn struct {
	HostTxID    string // For transactions initiated by the host and passed via DSN
	currentTxID string // For transactions initiated by Begin
}

var (
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
	_ driver.Pinger             = (*Conn)(nil)
)

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	resp, err := call[types.GeneralResponse](ctx, types.SQLRequest{
		Command: types.CommandPrepare,
		SQL:     query,
		TxID:    c.currentTxID,
	})
	if err != nil {
		return nil, err
	}
	if resp.StmtID == "" {
		return nil, errors.New("sqlproxy: host did not return a statement id for prepare")
	}
	return &Stmt{conn: c, query: query, stmtID: resp.StmtID, txID: c.currentTxID}, nil
}

// Close releases everything the host holds for this connection.
func (c *Conn) Close() error {
	_, err := call[types.GeneralResponse](context.Background(), types.SQLRequest{Command: types.CommandCloseConn})
	return err
}

// Ping checks that the host database is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := call[types.GeneralResponse](ctx, types.SQLRequest{Command: types.CommandPing})
	return err
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.currentTxID != "" {
		return nil, fmt.Errorf("sqlproxy: transaction already active on this connection (TxID: %s)", c.currentTxID)
	}
	if opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("sqlproxy: isolation level %d is not supported", opts.Isolation)
	}
	if c.HostTxID != "" {
		c.currentTxID = c.HostTxID
		return &Tx{conn: c, txID: c.HostTxID}, nil
	}

	resp, err := call[types.GeneralResponse](ctx, types.SQLRequest{
		Command:  types.CommandBeginTx,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	if resp.TxID == "" {
		return nil, errors.New("sqlproxy: host did not return a transaction id for begin_tx")
	}
	c.currentTxID = resp.TxID
	return &Tx{conn: c, txID: resp.TxID}, nil
}

// Stmt implements driver.Stmt along with its context-aware extensions.
type Stmt struct {
	conn   *Conn
	query  string
	stmtID string // Host-provided statement ID
	txID   string // Set when prepared within a transaction
}

var (
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

// Close closes the statement.
func (s *Stmt) Close() error {
	if s.stmtID == "" {
		return nil
	}
	_, err := call[types.GeneralResponse](context.Background(), types.SQLRequest{
		Command: types.CommandCloseStmt,
		StmtID:  s.stmtID,
	})
	if err != nil {
		return err
	}
	s.stmtID = ""
	return nil
}

// NumInput returns -1 since the host does not report placeholder counts.
func (s *Stmt) NumInput() int {
	return -1
}

func convertDriverValues(args []driver.Value) []interface{} {
	interfaceArgs := make([]interface{}, len(args))
	for i, v := range args {
		switch val := v.(type) {
		case time.Time:
			interfaceArgs[i] = val.Format(time.RFC3339Nano)
		default:
			// []byte is sent as base64 by encoding/json
			interfaceArgs[i] = v
		}
	}
	return interfaceArgs
}

func namedValues(args []driver.NamedValue) ([]driver.Value, error) {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			return nil, fmt.Errorf("sqlproxy: named parameter %q is not supported", arg.Name)
		}
		values[i] = arg.Value
	}
	return values, nil
}

// Exec executes a prepared statement with the given arguments.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.exec(context.Background(), args)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	values, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, values)
}

func (s *Stmt) exec(ctx context.Context, args []driver.Value) (driver.Result, error) {
	resp, err := call[types.ExecResponse](ctx, types.SQLRequest{
		Command: types.CommandExec,
		StmtID:  s.stmtID,
		TxID:    s.txID,
		Args:    convertDriverValues(args),
	})
	if err != nil {
		return nil, err
	}
	return &sqlProxyResult{lastInsertID: resp.LastInsertID, rowsAffected: resp.RowsAffected}, nil
}

// Query executes a prepared statement with the given arguments.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryRows(context.Background(), args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	values, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, values)
}

func (s *Stmt) queryRows(ctx context.Context, args []driver.Value) (driver.Rows, error) {
	resp, err := call[types.QueryResponse](ctx, types.SQLRequest{
		Command: types.CommandQuery,
		StmtID:  s.stmtID,
		TxID:    s.txID,
		Args:    convertDriverValues(args),
	})
	if err != nil {
		return nil, err
	}
	return &sqlProxyRows{columns: resp.Columns, data: resp.Rows}, nil
}

// Tx implements driver.Tx.
type Tx struct {
	conn *Conn
	txID string // Host-provided transaction ID
}

func (t *Tx) finish(command string) error {
	if t.txID == "" {
		return errors.New("sqlproxy: transaction already committed or rolled back")
	}
	txID := t.txID
	// The transaction is over on this connection whatever the host says
	t.conn.currentTxID = ""
	t.txID = ""

	_, err := call[types.GeneralResponse](context.Background(), types.SQLRequest{Command: command, TxID: txID})
	if err != nil {
		return fmt.Errorf("%w (TxID: %s)", err, txID)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.finish(types.CommandCommit)
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.finish(types.CommandRollback)
}

// sqlProxyResult implements driver.Result.
type sqlProxyResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r *sqlProxyResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *sqlProxyResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// sqlProxyRows implements driver.Rows over a fully fetched result set.
type sqlProxyRows struct {
	columns         []string
	data            [][]interface{}
	currentRowIndex int
}

func (r *sqlProxyRows) Columns() []string {
	return r.columns
}

func (r *sqlProxyRows) Close() error {
	r.data = nil
	r.currentRowIndex = 0
	return nil
}

func (r *sqlProxyRows) Next(dest []driver.Value) error {
	if r.currentRowIndex >= len(r.data) {
		return io.EOF
	}

	rowData := r.data[r.currentRowIndex]
	if len(rowData) != len(dest) {
		return fmt.Errorf("sqlproxy: column count mismatch. Expected %d, got %d", len(dest), len(rowData))
	}
	for i, val := range rowData {
		dest[i] = normalizeValue(val)
	}
	r.currentRowIndex++
	return nil
}

// normalizeValue maps a decoded JSON value onto a driver.Value. Integral
// numbers become int64 so they scan into integer fields without loss.
// Strings are left alone; database/sql converts them for time and []byte
// destinations as needed.
func normalizeValue(val interface{}) driver.Value {
	num, ok := val.(json.Number)
	if !ok {
		return val
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}
