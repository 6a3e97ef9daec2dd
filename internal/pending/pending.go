// Package pending tracks requests that are waiting for a reply on a
// multiplexed connection.
package pending

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Table pairs reply payloads with the calls waiting for them.
type Table struct {
	mu    sync.Mutex
	calls map[string]chan []byte
	err   error // Set by Fail
	done  chan struct{}
}

// New creates an empty table.
func New() *Table {
	return &Table{
		calls: make(map[string]chan []byte),
		done:  make(chan struct{}),
	}
}

// Register allocates an id for a new call and returns the channel its reply
// will arrive on. It fails once the table has failed.
func (t *Table) Register() (string, <-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", nil, t.err
	}
	id := uuid.NewString()
	reply := make(chan []byte, 1)
	t.calls[id] = reply
	return id, reply, nil
}

// Forget drops a call that will not wait for its reply.
func (t *Table) Forget(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// Deliver hands a reply to the call registered under id. It reports false for
// unknown ids, including calls that already gave up.
func (t *Table) Deliver(id string, data []byte) bool {
	t.mu.Lock()
	reply, ok := t.calls[id]
	delete(t.calls, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	reply <- data
	return true
}

// Wait blocks until a reply arrives on the channel Register returned for id,
// ctx ends or the table fails. A reply delivered before Wait is called is
// still returned.
func (t *Table) Wait(ctx context.Context, id string, reply <-chan []byte) ([]byte, error) {
	select {
	case data := <-reply:
		return data, nil
	case <-ctx.Done():
		t.Forget(id)
		return nil, ctx.Err()
	case <-t.done:
		select {
		case data := <-reply:
			return data, nil
		default:
		}
		t.Forget(id)
		return nil, t.Err()
	}
}

// Fail marks the connection as finished. Waiting and future calls get err.
// Only the first call has an effect.
func (t *Table) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = err
	close(t.done)
}

// Err returns the failure, if any.
func (t *Table) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the table has failed.
func (t *Table) Done() <-chan struct{} {
	return t.done
}
