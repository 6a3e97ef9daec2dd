// Package types holds the JSON messages exchanged between the sqlproxy driver
// and the host that owns the database.
package types

// Commands understood by the host.
const (
	CommandPrepare   = "prepare"
	CommandQuery     = "query"
	CommandExec      = "exec"
	CommandBeginTx   = "begin_tx"
	CommandCommit    = "commit"
	CommandRollback  = "rollback"
	CommandCloseStmt = "close_stmt"
	CommandCloseConn = "close_conn"
	CommandPing      = "ping"
)

// SQLRequest defines the structure for requests sent to the host.
type SQLRequest struct {
	Command  string        `json:"command"`
	SQL      string        `json:"sql,omitempty"`
	Args     []interface{} `json:"args,omitempty"` // Processed driver.Value
	StmtID   string        `json:"stmt_id,omitempty"`
	TxID     string        `json:"tx_id,omitempty"`
	ReadOnly bool          `json:"read_only,omitempty"` // begin_tx only
}

// GeneralResponse is used for commands that don't return rows or exec results
// (prepare, begin_tx, commit, rollback, close_stmt, close_conn, ping).
type GeneralResponse struct {
	StmtID string `json:"stmt_id,omitempty"` // For 'prepare' command, host returns a statement ID
	TxID   string `json:"tx_id,omitempty"`   // For 'begin_tx' command, host returns a transaction ID
	Error  string `json:"error,omitempty"`
}

// QueryResponse defines the structure for responses from 'query' commands.
type QueryResponse struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"` // []byte as base64, time.Time as RFC 3339
	Error   string          `json:"error,omitempty"`
}

// ExecResponse defines the structure for responses from 'exec' commands.
type ExecResponse struct {
	LastInsertID int64  `json:"last_insert_id"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
}

func (r GeneralResponse) HostError() string { return r.Error }
func (r QueryResponse) HostError() string   { return r.Error }
func (r ExecResponse) HostError() string    { return r.Error }
