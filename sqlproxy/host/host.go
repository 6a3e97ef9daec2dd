// Package host executes sqlproxy commands against a database owned by the
// host, on behalf of a guest that only speaks JSON.
package host

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// SQLHost handles proxy requests for one database.
// It manages prepared statements and transactions by id.
type SQLHost struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
	txs   map[string]*sql.Tx
}

// NewSQLHost creates a new SQLHost. The db stays owned by the caller.
func NewSQLHost(db *sql.DB, logger *slog.Logger) *SQLHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLHost{
		db:     db,
		logger: logger,
		stmts:  make(map[string]*sql.Stmt),
		txs:    make(map[string]*sql.Tx),
	}
}

// HandleRequest processes a raw request payload and returns the raw response
// payload. Failed commands are reported inside the payload; the returned
// error is only set when no response could be built at all.
func (h *SQLHost) HandleRequest(ctx context.Context, requestPayload []byte) ([]byte, error) {
	var req types.SQLRequest
	dec := json.NewDecoder(bytes.NewReader(requestPayload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return marshalErrorResponse(fmt.Sprintf("failed to unmarshal request: %v", err))
	}
	for i, arg := range req.Args {
		req.Args[i] = normalizeArg(arg)
	}

	var responseData interface{}
	var opErr error

	switch req.Command {
	case types.CommandPrepare:
		responseData, opErr = h.handlePrepare(ctx, &req)
	case types.CommandQuery:
		responseData, opErr = h.handleQuery(ctx, &req)
	case types.CommandExec:
		responseData, opErr = h.handleExec(ctx, &req)
	case types.CommandBeginTx:
		responseData, opErr = h.handleBeginTx(ctx, &req)
	case types.CommandCommit:
		responseData, opErr = h.handleCommit(&req)
	case types.CommandRollback:
		responseData, opErr = h.handleRollback(&req)
	case types.CommandCloseStmt:
		responseData, opErr = h.handleCloseStmt(&req)
	case types.CommandCloseConn:
		responseData, opErr = h.handleCloseConn()
	case types.CommandPing:
		responseData, opErr = types.GeneralResponse{}, h.db.PingContext(ctx)
	default:
		opErr = fmt.Errorf("unknown command: %s", req.Command)
	}

	if opErr != nil {
		h.logger.Debug("SQL proxy command failed", "command", req.Command, "error", opErr)
		return marshalErrorResponse(opErr.Error())
	}

	return json.Marshal(responseData)
}

// Close releases every statement and transaction still held for the guest.
func (h *SQLHost) Close() {
	h.handleCloseConn()
}

// normalizeArg keeps integral arguments integral instead of letting them
// become float64.
func normalizeArg(arg interface{}) interface{} {
	num, ok := arg.(json.Number)
	if !ok {
		return arg
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

func marshalErrorResponse(errMsg string) ([]byte, error) {
	payload, err := json.Marshal(types.GeneralResponse{Error: errMsg})
	if err != nil {
		return []byte(`{"error":"failed to marshal error response"}`),
			fmt.Errorf("failed to marshal error response for '%s': %w", errMsg, err)
	}
	return payload, nil
}

func (h *SQLHost) lookup(req *types.SQLRequest) (*sql.Tx, *sql.Stmt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var tx *sql.Tx
	var stmt *sql.Stmt
	if req.TxID != "" {
		var ok bool
		if tx, ok = h.txs[req.TxID]; !ok {
			return nil, nil, fmt.Errorf("transaction not found: %s", req.TxID)
		}
	}
	if req.StmtID != "" {
		var ok bool
		if stmt, ok = h.stmts[req.StmtID]; !ok {
			return nil, nil, fmt.Errorf("statement not found: %s", req.StmtID)
		}
	}
	return tx, stmt, nil
}

func (h *SQLHost) handlePrepare(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	tx, _, err := h.lookup(req)
	if err != nil {
		return types.GeneralResponse{}, err
	}

	var stmt *sql.Stmt
	if tx != nil {
		stmt, err = tx.PrepareContext(ctx, req.SQL)
	} else {
		stmt, err = h.db.PrepareContext(ctx, req.SQL)
	}
	if err != nil {
		return types.GeneralResponse{}, fmt.Errorf("prepare failed: %w", err)
	}

	stmtID := uuid.NewString()
	h.mu.Lock()
	h.stmts[stmtID] = stmt
	h.mu.Unlock()
	return types.GeneralResponse{StmtID: stmtID}, nil
}

func (h *SQLHost) handleExec(ctx context.Context, req *types.SQLRequest) (types.ExecResponse, error) {
	tx, stmt, err := h.lookup(req)
	if err != nil {
		return types.ExecResponse{}, err
	}

	var res sql.Result
	switch {
	case stmt != nil && tx != nil:
		txStmt := tx.StmtContext(ctx, stmt)
		res, err = txStmt.ExecContext(ctx, req.Args...)
		txStmt.Close()
	case stmt != nil:
		res, err = stmt.ExecContext(ctx, req.Args...)
	case tx != nil:
		res, err = tx.ExecContext(ctx, req.SQL, req.Args...)
	default:
		res, err = h.db.ExecContext(ctx, req.SQL, req.Args...)
	}
	if err != nil {
		return types.ExecResponse{}, fmt.Errorf("exec failed: %w", err)
	}

	// Not every driver reports both values
	lastInsertID, _ := res.LastInsertId()
	rowsAffected, _ := res.RowsAffected()
	return types.ExecResponse{LastInsertID: lastInsertID, RowsAffected: rowsAffected}, nil
}

func (h *SQLHost) handleQuery(ctx context.Context, req *types.SQLRequest) (types.QueryResponse, error) {
	tx, stmt, err := h.lookup(req)
	if err != nil {
		return types.QueryResponse{}, err
	}

	var rows *sql.Rows
	switch {
	case stmt != nil && tx != nil:
		txStmt := tx.StmtContext(ctx, stmt)
		defer txStmt.Close()
		rows, err = txStmt.QueryContext(ctx, req.Args...)
	case stmt != nil:
		rows, err = stmt.QueryContext(ctx, req.Args...)
	case tx != nil:
		rows, err = tx.QueryContext(ctx, req.SQL, req.Args...)
	default:
		rows, err = h.db.QueryContext(ctx, req.SQL, req.Args...)
	}
	if err != nil {
		return types.QueryResponse{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return types.QueryResponse{}, fmt.Errorf("failed to get columns: %w", err)
	}

	results := [][]interface{}{}
	scanArgs := make([]interface{}, len(columns))
	scanPtrs := make([]interface{}, len(columns))
	for i := range scanArgs {
		scanPtrs[i] = &scanArgs[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return types.QueryResponse{}, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, processRowValues(scanArgs))
	}
	if err := rows.Err(); err != nil {
		return types.QueryResponse{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return types.QueryResponse{Columns: columns, Rows: results}, nil
}

func processRowValues(rawRow []interface{}) []interface{} {
	processedRow := make([]interface{}, len(rawRow))
	for i, val := range rawRow {
		switch v := val.(type) {
		case []byte:
			processedRow[i] = base64.StdEncoding.EncodeToString(v)
		case time.Time:
			processedRow[i] = v.Format(time.RFC3339Nano)
		default:
			processedRow[i] = v
		}
	}
	return processedRow
}

// RegisterTx hands a transaction started by the host to the guest. The guest
// reaches it by opening the driver with the returned id.
func (h *SQLHost) RegisterTx(tx *sql.Tx) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	txID := uuid.NewString()
	h.txs[txID] = tx
	return txID
}

func (h *SQLHost) handleBeginTx(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	// The transaction outlives this request, so it must not die with ctx
	tx, err := h.db.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{ReadOnly: req.ReadOnly})
	if err != nil {
		return types.GeneralResponse{}, fmt.Errorf("begin transaction failed: %w", err)
	}
	return types.GeneralResponse{TxID: h.RegisterTx(tx)}, nil
}

func (h *SQLHost) takeTx(txID string) (*sql.Tx, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx, exists := h.txs[txID]
	if !exists {
		return nil, fmt.Errorf("transaction not found or already closed: %s", txID)
	}
	delete(h.txs, txID)
	return tx, nil
}

func (h *SQLHost) handleCommit(req *types.SQLRequest) (types.GeneralResponse, error) {
	tx, err := h.takeTx(req.TxID)
	if err != nil {
		return types.GeneralResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.GeneralResponse{}, fmt.Errorf("commit failed: %w", err)
	}
	return types.GeneralResponse{}, nil
}

func (h *SQLHost) handleRollback(req *types.SQLRequest) (types.GeneralResponse, error) {
	tx, err := h.takeTx(req.TxID)
	if err != nil {
		return types.GeneralResponse{}, err
	}
	if err := tx.Rollback(); err != nil {
		return types.GeneralResponse{}, fmt.Errorf("rollback failed: %w", err)
	}
	return types.GeneralResponse{}, nil
}

func (h *SQLHost) handleCloseStmt(req *types.SQLRequest) (types.GeneralResponse, error) {
	h.mu.Lock()
	stmt, exists := h.stmts[req.StmtID]
	delete(h.stmts, req.StmtID)
	h.mu.Unlock()

	// Closing twice is not an error
	if !exists {
		return types.GeneralResponse{}, nil
	}
	if err := stmt.Close(); err != nil {
		return types.GeneralResponse{}, fmt.Errorf("close statement failed: %w", err)
	}
	return types.GeneralResponse{}, nil
}

// handleCloseConn resets the state held for the guest. The db itself is
// owned by the caller and stays open.
func (h *SQLHost) handleCloseConn() (types.GeneralResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, stmt := range h.stmts {
		_ = stmt.Close()
		delete(h.stmts, id)
	}
	for id, tx := range h.txs {
		_ = tx.Rollback()
		delete(h.txs, id)
	}
	return types.GeneralResponse{}, nil
}
