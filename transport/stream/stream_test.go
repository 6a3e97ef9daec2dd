package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomyedwab/sqlworker/bridge"
	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBridge(t testing.TB, constructions *atomic.Int32) *bridge.Bridge {
	module := engine.Funcs{
		NewDatabaseFunc: func(ctx context.Context) (*engine.Handle, error) {
			constructions.Add(1)
			return engine.NewHandle("fake", nil), nil
		},
	}
	b, err := bridge.New(bridge.Config{Module: module, Logger: testLogger()})
	if err != nil {
		t.Fatalf("bridge.New returned error: %v", err)
	}
	return b
}

// connect wires a client to a server over a pair of pipes.
func connect(t *testing.T, port worker.Port) *Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), reqR, respW, port, testLogger())
		respW.Close()
	}()
	t.Cleanup(func() {
		reqW.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})
	return NewClient(respR, reqW, testLogger())
}

func TestInitOverStream(t *testing.T) {
	var constructions atomic.Int32
	client := connect(t, worker.HandlerPort{Handler: newBridge(t, &constructions)})

	resp, err := client.Call(context.Background(), []byte(`{"method":"init","args":{}}`))
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if string(resp) != `{"result":"initialized"}` {
		t.Errorf("Expected initialized, got %s", resp)
	}

	decoded, err := client.Init(context.Background())
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if decoded.IsError() || decoded.Result != protocol.ResultInitialized {
		t.Errorf("Expected initialized, got %+v", decoded)
	}
	if constructions.Load() != 1 {
		t.Errorf("Expected 1 construction, got %d", constructions.Load())
	}
}

func TestConcurrentCallsOverStream(t *testing.T) {
	var constructions atomic.Int32
	client := connect(t, worker.HandlerPort{Handler: newBridge(t, &constructions)})

	const n = 20
	var wg sync.WaitGroup
	failures := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := protocol.MethodInit
			if i%2 == 1 {
				method = fmt.Sprintf("unknown-%d", i)
			}
			payload := []byte(fmt.Sprintf(`{"method":%q,"args":{}}`, method))
			resp, err := client.Call(context.Background(), payload)
			if err != nil {
				failures <- err.Error()
				return
			}
			// Replies must be paired with the right request
			if method == protocol.MethodInit && string(resp) != `{"result":"initialized"}` {
				failures <- fmt.Sprintf("init got %s", resp)
			}
			if method != protocol.MethodInit && !strings.Contains(string(resp), method) {
				failures <- fmt.Sprintf("%s got %s", method, resp)
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
	if constructions.Load() != 1 {
		t.Errorf("Expected 1 construction, got %d", constructions.Load())
	}
}

func TestManyCallsWithImmediateReplies(t *testing.T) {
	echo := worker.HandlerPort{Handler: worker.HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		return payload
	})}
	client := connect(t, echo)

	const n = 2000
	var wg sync.WaitGroup
	failures := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"n":%d}`, i)
			resp, err := client.Call(context.Background(), []byte(payload))
			if err != nil {
				failures <- err.Error()
				return
			}
			if string(resp) != payload {
				failures <- fmt.Sprintf("sent %s, got %s", payload, resp)
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
}

func TestServeMalformedFrames(t *testing.T) {
	var constructions atomic.Int32
	input := strings.Join([]string{
		`not json`,
		``,
		`{"id":"a"}`,
		`{"id":"b","data":{"method":"init"}}`,
	}, "\n") + "\n"

	var out strings.Builder
	err := Serve(context.Background(), strings.NewReader(input), &out, worker.HandlerPort{Handler: newBridge(t, &constructions)}, testLogger())
	if err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	replies := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	count := 0
	for scanner.Scan() {
		env, err := protocol.DecodeEnvelope(scanner.Bytes())
		if err != nil {
			t.Fatalf("Server wrote malformed frame %q: %v", scanner.Text(), err)
		}
		replies[env.ID] = string(env.Data)
		count++
	}
	if count != 3 {
		t.Fatalf("Expected 3 reply frames, got %d: %s", count, out.String())
	}
	if !strings.Contains(replies[""], "invalid frame") {
		t.Errorf("Expected invalid frame error for undecodable line, got %s", replies[""])
	}
	if !strings.Contains(replies["a"], "invalid frame") {
		t.Errorf("Expected invalid frame error for frame without data, got %s", replies["a"])
	}
	if replies["b"] != `{"result":"initialized"}` {
		t.Errorf("Expected initialized for frame b, got %s", replies["b"])
	}
}

func TestClientStreamClosed(t *testing.T) {
	respR, respW := io.Pipe()
	client := NewClient(respR, io.Discard, testLogger())
	respW.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected client to notice closed stream")
	}
	if _, err := client.Call(context.Background(), []byte(`{"method":"init"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestClientPendingCallFailsOnClose(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	client := NewClient(respR, reqW, testLogger())

	// Swallow the request without replying, then hang up
	go func() {
		bufio.NewReader(reqR).ReadBytes('\n')
		respW.Close()
	}()

	_, err := client.Call(context.Background(), []byte(`{"method":"init"}`))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestClientContextCancelled(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, _ := io.Pipe()
	client := NewClient(respR, reqW, testLogger())
	go io.Copy(io.Discard, reqR)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, []byte(`{"method":"init"}`)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

// TestHelperProcess is not a real test. It is the worker executed by
// TestSpawn.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SQLWORKER_HELPER_PROCESS") != "1" {
		return
	}
	var constructions atomic.Int32
	b := newBridge(t, &constructions)
	fmt.Fprintln(os.Stderr, "helper worker ready")
	if err := Serve(context.Background(), os.Stdin, os.Stdout, worker.HandlerPort{Handler: b}, testLogger()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func TestSpawn(t *testing.T) {
	proc, err := Spawn(context.Background(), SpawnConfig{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$"},
		Env:    append(os.Environ(), "SQLWORKER_HELPER_PROCESS=1"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	if proc.PID() <= 0 {
		t.Errorf("Expected a valid pid, got %d", proc.PID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		resp, err := proc.Init(ctx)
		if err != nil {
			t.Fatalf("Init returned error: %v", err)
		}
		if resp.IsError() || resp.Result != protocol.ResultInitialized {
			t.Errorf("Expected initialized, got %+v", resp)
		}
	}

	if err := proc.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestSpawnRequiresPath(t *testing.T) {
	if _, err := Spawn(context.Background(), SpawnConfig{}); err == nil {
		t.Error("Expected error without executable path")
	}
}
