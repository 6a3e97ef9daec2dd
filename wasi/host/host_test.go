package host

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	sqlhost "github.com/tomyedwab/sqlworker/sqlproxy/host"
)

// The guests below are assembled by hand so the tests do not need a wasip1
// toolchain. alloc_bytes always returns handle 1 at address scratchAddr.
const (
	scratchAddr = 2048
	replyAddr   = 0
	requestAddr = 32
	handleAddr  = 1024

	cannedReply = `{"result":"initialized"}`
	pingRequest = `{"command":"ping"}`
)

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opI32Const    = 0x41
	opI64Const    = 0x42

	funcPostMessage = 0
	funcSQLHostCall = 1
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildGuest assembles a module whose on_message runs onMessage. When
// exportOnMessage is false the function exists but is not exported.
func buildGuest(onMessage []byte, exportOnMessage bool) []byte {
	const i32, i64 = 0x7f, 0x7e
	functype := func(params, results []byte) []byte {
		return concat([]byte{0x60}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
	}
	types := vec(
		functype([]byte{i32, i32}, nil),              // 0 post_message
		functype([]byte{i32}, []byte{i64}),           // 1 alloc_bytes
		functype([]byte{i32}, nil),                   // 2 free_bytes
		functype([]byte{i32}, []byte{i32}),           // 3 on_message
		functype([]byte{i32, i32, i32}, []byte{i32}), // 4 sql_host_call
	)
	imports := vec(
		concat(name("env"), name("post_message"), []byte{0x00}, uleb(0)),
		concat(name("env"), name("sql_host_call"), []byte{0x00}, uleb(4)),
	)
	funcs := vec(uleb(1), uleb(2), uleb(3))
	memory := vec([]byte{0x00, 0x01})

	exports := [][]byte{
		concat(name("memory"), []byte{0x02}, uleb(0)),
		concat(name("alloc_bytes"), []byte{0x00}, uleb(2)),
		concat(name("free_bytes"), []byte{0x00}, uleb(3)),
	}
	if exportOnMessage {
		exports = append(exports, concat(name("on_message"), []byte{0x00}, uleb(4)))
	}

	body := func(code []byte) []byte {
		b := concat(vec(), code, []byte{opEnd})
		return append(uleb(uint64(len(b))), b...)
	}
	code := vec(
		body(append([]byte{opI64Const}, sleb(1<<32|scratchAddr)...)),
		body(nil),
		body(onMessage),
	)

	segment := func(addr int32, data string) []byte {
		return concat([]byte{0x00}, i32Const(addr), []byte{opEnd}, name(data))
	}
	data := vec(segment(replyAddr, cannedReply), segment(requestAddr, pingRequest))

	return concat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(7, vec(exports...)),
		section(10, code),
		section(11, data),
	)
}

// Posts the canned reply.
var replyingGuest = concat(
	i32Const(replyAddr), i32Const(int32(len(cannedReply))), []byte{opCall}, uleb(funcPostMessage),
	i32Const(0),
)

// Pings the database and posts the raw proxy response.
var pingingGuest = concat(
	i32Const(scratchAddr),
	i32Const(requestAddr), i32Const(int32(len(pingRequest))), i32Const(handleAddr),
	[]byte{opCall}, uleb(funcSQLHostCall),
	[]byte{opCall}, uleb(funcPostMessage),
	i32Const(0),
)

var silentGuest = i32Const(0)

var rejectingGuest = i32Const(-1)

var trappingGuest = []byte{opUnreachable}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHost(t *testing.T, onMessage []byte, sqlHost *sqlhost.SQLHost) *Host {
	t.Helper()
	h, err := New(context.Background(), Config{
		WASM:   buildGuest(onMessage, true),
		SQL:    sqlHost,
		Stdout: io.Discard,
		Stderr: io.Discard,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func TestCallReturnsPostedReply(t *testing.T) {
	h := newHost(t, replyingGuest, nil)
	for i := 0; i < 3; i++ {
		reply, err := h.Call(context.Background(), []byte(`{"method":"init","args":{}}`))
		if err != nil {
			t.Fatalf("Call returned error: %v", err)
		}
		if string(reply) != cannedReply {
			t.Errorf("Expected %s, got %s", cannedReply, reply)
		}
	}
}

func TestSQLHostCall(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	h := newHost(t, pingingGuest, sqlhost.NewSQLHost(db, testLogger()))
	reply, err := h.Call(context.Background(), []byte(`{"method":"init"}`))
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if string(reply) != `{}` {
		t.Errorf("Expected empty ping response, got %s", reply)
	}
}

func TestSQLHostCallWithoutDatabase(t *testing.T) {
	h := newHost(t, pingingGuest, nil)
	// The guest posts whatever sql_host_call produced. Its negative length
	// makes the post fall outside memory, which traps.
	if _, err := h.Call(context.Background(), []byte(`{"method":"init"}`)); err == nil {
		t.Error("Expected the call to fail without a database")
	}
}

func TestGuestWithoutReply(t *testing.T) {
	h := newHost(t, silentGuest, nil)
	if _, err := h.Call(context.Background(), []byte(`{"method":"init"}`)); !errors.Is(err, ErrNoReply) {
		t.Errorf("Expected ErrNoReply, got %v", err)
	}
}

func TestGuestRejectsMessage(t *testing.T) {
	h := newHost(t, rejectingGuest, nil)
	_, err := h.Call(context.Background(), []byte(`{"method":"init"}`))
	if err == nil || !strings.Contains(err.Error(), "status -1") {
		t.Errorf("Expected status -1 error, got %v", err)
	}
}

func TestGuestTrap(t *testing.T) {
	h := newHost(t, trappingGuest, nil)
	if _, err := h.Call(context.Background(), []byte(`{"method":"init"}`)); err == nil {
		t.Error("Expected trap to surface as an error")
	}
}

func TestMissingExport(t *testing.T) {
	_, err := New(context.Background(), Config{
		WASM:   buildGuest(replyingGuest, false),
		Logger: testLogger(),
	})
	if err == nil || !strings.Contains(err.Error(), "on_message") {
		t.Errorf("Expected missing on_message error, got %v", err)
	}
}

func TestNewRequiresModule(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("Expected error without a wasm module")
	}
}

func TestCallAfterClose(t *testing.T) {
	h := newHost(t, replyingGuest, nil)
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := h.Call(context.Background(), []byte(`{"method":"init"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
