package driver

import (
	"context"
	"fmt"

	"github.com/tomyedwab/sqlworker/engine"
)

// hostDSN is passed through to Open, which ignores it.
const hostDSN = "host"

type module struct{}

// Module exposes the proxied database as an engine module. Loading it fails
// with engine.ErrModuleNotFound until a host handler is installed.
//
// The host keeps one set of statements and transactions per guest, so the
// pool is limited to a single connection.
func Module() engine.Module {
	return module{}
}

func (module) Initialize(ctx context.Context) (engine.Factory, error) {
	if currentHandler() == nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrModuleNotFound, ErrNoHostHandler)
	}
	return engine.SQLModule{
		DriverName:     DriverName,
		DataSourceName: hostDSN,
		MaxOpenConns:   1,
	}.Initialize(ctx)
}
