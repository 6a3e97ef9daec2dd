//go:build wasip1

// Command guest is the WebAssembly worker run by cmd/wasmhost. Build it as a
// reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o guest.wasm ./cmd/guest
package main

import "github.com/tomyedwab/sqlworker/wasi/guest"

func init() {
	guest.Init()
}

func main() {}
