package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/starwreckntx/mergeguard/internal/config"
	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"

	"github.com/natefinch/atomic"
)

type Operation int

const (
	OpGet Operation = iota
	OpPut
	OpDelete
	OpUpdate
	OpKeys
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type GetPayload struct {
	Key string
}

type PutPayload struct {
	Key   string
	Value json.RawMessage
}

type DeletePayload struct {
	Key string
}

// UpdatePayload carries a read-modify-write closure. The closure runs inside
// the worker goroutine, so check-then-mutate on one key is a single atomic
// turn — this is the critical section the token vault relies on.
type UpdatePayload struct {
	Key string
	Fn  func(current json.RawMessage, exists bool) (json.RawMessage, error)
}

type KeysPayload struct {
	Prefix string
}

// Worker owns the persisted key-value state for one workspace. All access
// goes through a single goroutine draining the inbox channel; the full map
// is rewritten atomically after every mutation.
type Worker struct {
	basePath  string
	statePath string
	inbox     chan Request
	fileLock  *FileLock
	quit      chan struct{}
	wg        sync.WaitGroup
	data      map[string]json.RawMessage
	running   stdatomic.Bool
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func NewWorker(basePath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir %s: %w", basePath, err)
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	if runtimeCfg.LockMaxRetry <= 0 {
		runtimeCfg.LockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}

	fileLock, err := NewFileLock(basePath, &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	w := &Worker{
		basePath:  basePath,
		statePath: filepath.Join(basePath, "state.json"),
		inbox:     make(chan Request, runtimeCfg.InboxSize),
		fileLock:  fileLock,
		quit:      make(chan struct{}),
		data:      make(map[string]json.RawMessage),
	}

	if err := w.load(); err != nil {
		// A corrupt state file must not keep the gate from starting; the
		// safer outcome is an empty store, which reads as "no prior record".
		slog.Warn("Failed to load persisted state, starting fresh", "path", w.statePath, "error", err)
		w.data = make(map[string]json.RawMessage)
	}

	return w, nil
}

func (w *Worker) load() error {
	data, err := os.ReadFile(w.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &w.data)
}

func (w *Worker) save() error {
	data, err := json.MarshalIndent(w.data, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(w.statePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", w.statePath, guardErrors.ErrPersistence)
	}
	return nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("Store worker started", "path", w.basePath)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("Store worker stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpGet:
		p, ok := req.Payload.(GetPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Get")
		}
		if val, exists := w.data[p.Key]; exists {
			if req.Response != nil {
				req.Response <- val
			}
		} else {
			if req.Response != nil {
				req.Response <- nil
			}
		}
		return nil
	case OpPut:
		p, ok := req.Payload.(PutPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Put")
		}
		w.data[p.Key] = p.Value
		return w.save()
	case OpDelete:
		p, ok := req.Payload.(DeletePayload)
		if !ok {
			return fmt.Errorf("invalid payload for Delete")
		}
		if _, exists := w.data[p.Key]; !exists {
			return nil
		}
		delete(w.data, p.Key)
		return w.save()
	case OpUpdate:
		p, ok := req.Payload.(UpdatePayload)
		if !ok {
			return fmt.Errorf("invalid payload for Update")
		}
		current, exists := w.data[p.Key]
		next, err := p.Fn(current, exists)
		if err != nil {
			return err
		}
		if next == nil {
			delete(w.data, p.Key)
		} else {
			w.data[p.Key] = next
		}
		return w.save()
	case OpKeys:
		p, ok := req.Payload.(KeysPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Keys")
		}
		var keys []string
		for k := range w.data {
			if strings.HasPrefix(k, p.Prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if req.Response != nil {
			req.Response <- keys
		}
		return nil
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

// Public API for other components. Each call is a synchronous round-trip
// through the worker goroutine.

// Get returns the raw record for key, or ErrNotFound.
func (w *Worker) Get(key string) (json.RawMessage, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpGet,
		Payload:  GetPayload{Key: key},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	val := <-resp
	if val == nil {
		return nil, guardErrors.ErrNotFound
	}
	return val.(json.RawMessage), nil
}

// GetInto unmarshals the record for key into out.
func (w *Worker) GetInto(key string, out interface{}) error {
	raw, err := w.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Put marshals value and persists it under key.
func (w *Worker) Put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpPut,
		Payload: PutPayload{Key: key, Value: raw},
		Result:  res,
	}
	return <-res
}

func (w *Worker) Delete(key string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpDelete,
		Payload: DeletePayload{Key: key},
		Result:  res,
	}
	return <-res
}

// Update runs fn inside the worker turn for key. Returning nil removes the
// record; any error from fn aborts the write and is returned unchanged.
func (w *Worker) Update(key string, fn func(current json.RawMessage, exists bool) (json.RawMessage, error)) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpUpdate,
		Payload: UpdatePayload{Key: key, Fn: fn},
		Result:  res,
	}
	return <-res
}

// KeysWithPrefix lists keys under a namespace prefix in sorted order.
func (w *Worker) KeysWithPrefix(prefix string) ([]string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpKeys,
		Payload:  KeysPayload{Prefix: prefix},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	val := <-resp
	if val == nil {
		return nil, nil
	}
	return val.([]string), nil
}

func (w *Worker) Stop() {
	slog.Info("Store worker Stop called", "path", w.basePath, "lock_held", w.fileLock.IsLocked())

	close(w.quit)
	w.wg.Wait()

	if w.fileLock.IsLocked() {
		w.fileLock.Unlock()
	}
}

func (w *Worker) IsRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}
