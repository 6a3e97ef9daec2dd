// Package driver implements a database/sql driver that proxies SQL from a Go
// program running inside a WebAssembly guest to a database owned by the host.
//
// The driver serializes every operation into a JSON types.SQLRequest and hands
// it to the HostHandler installed with SetHostHandler. The host answers with
// a types.QueryResponse, types.ExecResponse or types.GeneralResponse, usually
// produced by sqlproxy/host.SQLHost.
//
// Usage:
//
//	driver.SetHostHandler(func(ctx context.Context, req []byte) ([]byte, error) {
//	    // ... pass req to the host and return its answer ...
//	})
//	db, err := sql.Open("sqlproxy", "")
//
// A data source name built with TxDSN joins a transaction that the host has
// already started and registered. Any other name is ignored.
//
// Limitations:
//
//   - The host does all SQL execution and owns transaction integrity.
//   - Result sets are fetched in full by a single query command.
//   - Named parameters and non-default isolation levels are rejected.
//   - The host tracks one set of statements per guest, so a pool should hold
//     a single connection. Module does this for the engine.
package driver
