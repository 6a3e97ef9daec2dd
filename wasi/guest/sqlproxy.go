//go:build wasip1

package guest

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	sqlproxy "github.com/tomyedwab/sqlworker/sqlproxy/driver"
)

// sqlHostCall passes a sqlproxy request to the host. The host stores the
// handle of its answer at destPtr and returns the answer's length, negated
// when the answer is an error message instead of a response.
//
//go:wasmimport env sql_host_call
func sqlHostCall(reqPtr, reqLen, destPtr uint32) int32

func callHost(_ context.Context, payload []byte) ([]byte, error) {
	var handle uint32
	size := sqlHostCall(addressOf(payload), uint32(len(payload)), uint32(uintptr(unsafe.Pointer(&handle))))
	runtime.KeepAlive(payload)

	answer := takeBytes(handle)
	if size < 0 {
		return nil, fmt.Errorf("sql_host_call failed: %s", answer[:-size])
	}
	return answer[:size], nil
}

func initSQLProxy() {
	sqlproxy.SetHostHandler(callHost)
}
