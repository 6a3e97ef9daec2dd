//go:build wasip1

// Package guest turns a Go program compiled for wasip1 into a worker that a
// wasi/host.Host can run.
//
// The host posts each message by writing it into a buffer obtained from
// alloc_bytes and calling on_message with the buffer's handle. The guest
// answers by calling post_message exactly once before on_message returns.
// Database access goes back to the host through sql_host_call.
package guest

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/tomyedwab/sqlworker/bridge"
	sqlproxy "github.com/tomyedwab/sqlworker/sqlproxy/driver"
)

//go:wasmimport env post_message
func postMessage(ptr, size uint32)

var worker *bridge.Bridge

// Init installs the SQL proxy and the bridge that answers messages. It is
// meant to run from an init function, since a reactor module never calls
// main.
func Init() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "guest")
	initSQLProxy()

	b, err := bridge.New(bridge.Config{
		Module: sqlproxy.Module(),
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}
	worker = b
	logger.Info("Guest worker ready")
}

// onMessage handles the message stored under handle. It returns 0 once a
// reply has been posted and -1 if the guest was never initialized.
//
//go:wasmexport on_message
func onMessage(handle uint32) int32 {
	payload := takeBytes(handle)
	if worker == nil {
		return -1
	}
	reply := worker.HandleMessage(context.Background(), payload)
	postMessage(addressOf(reply), uint32(len(reply)))
	runtime.KeepAlive(reply)
	return 0
}
