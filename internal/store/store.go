// Package store is the single source of application-visible state.
//
// State is a tree of JSON-shaped values (objects, arrays, strings, numbers,
// booleans, nil) addressed by dot-separated paths such as
// "user.profile.name". Every change is recorded in a bounded history and
// delivered synchronously to subscribers of the exact path, then of each
// ancestor path (nearest first), then of the wildcard. A fixed set of
// top-level paths is persisted to durable storage and, when a Broadcaster is
// configured, shared with other instances using the same storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/metrics"
)

// storageKeyPrefix namespaces durable paths inside the shared storage.
const storageKeyPrefix = "state:"

// DefaultDurablePaths are the top-level paths persisted across sessions.
var DefaultDurablePaths = []string{"settings", "user", "datingProfile"}

// DefaultSettings is the settings value used when none is persisted.
func DefaultSettings() map[string]interface{} {
	return map[string]interface{}{
		"theme":         "light",
		"notifications": true,
		"language":      "en",
	}
}

// DefaultState returns the initial state tree.
func DefaultState() map[string]interface{} {
	return map[string]interface{}{
		"user":          nil,
		"settings":      DefaultSettings(),
		"datingProfile": nil,
		"notifications": []interface{}{},
		"conversations": map[string]interface{}{},
		"messages":      map[string]interface{}{},
		"presence":      map[string]interface{}{},
		"typing":        map[string]interface{}{},
		"matches":       []interface{}{},
		"connection":    map[string]interface{}{"status": "disconnected"},
	}
}

// Change is delivered to listeners.
type Change struct {
	// Path is the changed path, or Wildcard for a reset.
	Path string
	// Subscribed is the path the listener registered for.
	Subscribed string
	// Value is the current value at Subscribed (at Path for wildcard listeners).
	Value interface{}
	// OldValue is the value before the change, resolved the same way.
	OldValue interface{}
	// Remote is set when the change came from another instance.
	Remote    bool
	Timestamp time.Time
}

// Listener receives changes. It runs on the writer's goroutine and may read
// the Store or (un)subscribe, but writes must be handed to another goroutine.
type Listener func(Change)

// SetOption modifies a single mutation.
type SetOption func(*setOptions)

type setOptions struct {
	silent bool
	remote bool
	local  bool // skip persistence and broadcast
}

// Silent applies the change without notifying subscribers. History and
// persistence are unaffected.
func Silent() SetOption {
	return func(o *setOptions) { o.silent = true }
}

// Options configures a Store.
type Options struct {
	// Storage holds durable paths. Nil keeps everything in memory.
	Storage kv.Storage
	// DurablePaths overrides DefaultDurablePaths.
	DurablePaths []string
	// Defaults overrides DefaultState.
	Defaults map[string]interface{}
	// HistorySize bounds the change history (default 100).
	HistorySize int
	// StorageTimeout bounds each durable read or write (default 5s).
	StorageTimeout time.Duration
	// Broadcaster shares durable-path changes with other instances.
	Broadcaster Broadcaster

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

type subscriber struct {
	id uint64
	fn Listener
}

// Store is a path-addressable reactive state container.
type Store struct {
	storage     kv.Storage
	durable     map[string]bool
	defaults    map[string]interface{}
	timeout     time.Duration
	broadcaster Broadcaster
	log         *logging.Logger
	metrics     *metrics.Collector

	// commitMu is held from commit through delivery, so listeners observe
	// commits in the order they were made. Listeners must not write to the
	// Store on the calling goroutine.
	commitMu sync.Mutex

	mu   sync.RWMutex
	root map[string]interface{} // never modified in place

	persistMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
	nsubs  int

	history *history
}

// New creates a Store holding the default state.
func New(opts Options) *Store {
	if opts.Storage == nil {
		opts.Storage = kv.NewMemory()
	}
	if opts.DurablePaths == nil {
		opts.DurablePaths = DefaultDurablePaths
	}
	if opts.Defaults == nil {
		opts.Defaults = DefaultState()
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NopBroadcaster{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	durable := make(map[string]bool, len(opts.DurablePaths))
	for _, p := range opts.DurablePaths {
		durable[p] = true
	}

	defaults, _ := deepCopy(opts.Defaults).(map[string]interface{})
	root, _ := deepCopy(defaults).(map[string]interface{})

	return &Store{
		storage:     opts.Storage,
		durable:     durable,
		defaults:    defaults,
		timeout:     opts.StorageTimeout,
		broadcaster: opts.Broadcaster,
		log:         opts.Logger.Named("store"),
		metrics:     opts.Metrics,
		root:        root,
		subs:        make(map[string][]subscriber),
		history:     newHistory(opts.HistorySize),
	}
}

// IsDurable reports whether changes under path are persisted.
func (s *Store) IsDurable(path string) bool {
	top, _, _ := strings.Cut(path, ".")
	return s.durable[top]
}

// =============================================================================
// Reads
// =============================================================================

// GetState returns a copy of the value at path, or of the whole state when
// path is empty. Missing or malformed paths yield nil.
func (s *Store) GetState(path string) interface{} {
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()

	if path == "" {
		return deepCopy(root)
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil
	}
	return deepCopy(getIn(root, segs))
}

// Decode unmarshals the value at path into out.
func (s *Store) Decode(path string, out interface{}) error {
	raw, err := json.Marshal(s.GetState(path))
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return json.Unmarshal(raw, out)
}

// Query evaluates a JSONPath expression such as "$.user.name" against the
// current state.
func (s *Store) Query(expr string) (interface{}, error) {
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()

	v, err := jsonpath.Get(expr, root)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", expr, err)
	}
	return deepCopy(v), nil
}

// History returns recorded changes, oldest first.
func (s *Store) History() []HistoryEntry {
	return s.history.all()
}

// RecentHistory returns up to n changes, newest first.
func (s *Store) RecentHistory(n int) []HistoryEntry {
	return s.history.recent(n)
}

// =============================================================================
// Writes
// =============================================================================

// SetState replaces the value at path, creating intermediate objects as
// needed. It fails only for malformed paths, values that are not
// JSON-encodable, or an intermediate that exists but is not an object.
func (s *Store) SetState(path string, value interface{}, opts ...SetOption) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	return s.apply(path, func(interface{}) (interface{}, error) { return v, nil }, opts...)
}

// UpdateState shallow-merges partial onto the object at path. A missing or
// non-object value is replaced by partial.
func (s *Store) UpdateState(path string, partial map[string]interface{}, opts ...SetOption) error {
	p, err := normalize(partial)
	if err != nil {
		return err
	}
	patch, _ := p.(map[string]interface{})
	return s.apply(path, func(old interface{}) (interface{}, error) {
		return merge(old, patch), nil
	}, opts...)
}

// AddToArray appends item to the array at path. A missing value counts as
// an empty array.
func (s *Store) AddToArray(path string, item interface{}, opts ...SetOption) error {
	v, err := normalize(item)
	if err != nil {
		return err
	}
	return s.apply(path, func(old interface{}) (interface{}, error) {
		arr, err := asArray(path, old)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(arr)+1)
		out = append(out, arr...)
		return append(out, v), nil
	}, opts...)
}

// PrependToArray inserts item at the front of the array at path.
func (s *Store) PrependToArray(path string, item interface{}, opts ...SetOption) error {
	v, err := normalize(item)
	if err != nil {
		return err
	}
	return s.apply(path, func(old interface{}) (interface{}, error) {
		arr, err := asArray(path, old)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(arr)+1)
		out = append(out, v)
		return append(out, arr...), nil
	}, opts...)
}

// RemoveFromArray removes every item of the array at path for which match
// returns true.
func (s *Store) RemoveFromArray(path string, match func(interface{}) bool, opts ...SetOption) error {
	return s.apply(path, func(old interface{}) (interface{}, error) {
		arr, err := asArray(path, old)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			if !match(item) {
				out = append(out, item)
			}
		}
		return out, nil
	}, opts...)
}

// UpdateInArray shallow-merges partial onto every item of the array at
// path for which match returns true.
func (s *Store) UpdateInArray(path string, match func(interface{}) bool, partial map[string]interface{}, opts ...SetOption) error {
	p, err := normalize(partial)
	if err != nil {
		return err
	}
	patch, _ := p.(map[string]interface{})
	return s.apply(path, func(old interface{}) (interface{}, error) {
		arr, err := asArray(path, old)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(arr))
		for i, item := range arr {
			if match(item) {
				out[i] = merge(item, patch)
			} else {
				out[i] = item
			}
		}
		return out, nil
	}, opts...)
}

// BatchUpdate applies every update before notifying anyone, then notifies
// once per updated path in lexical path order. Either every update is
// applied or none is.
func (s *Store) BatchUpdate(updates map[string]interface{}) error {
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	segs := make([][]string, len(paths))
	values := make([]interface{}, len(paths))
	for i, p := range paths {
		sg, err := splitPath(p)
		if err != nil {
			return err
		}
		v, err := normalize(updates[p])
		if err != nil {
			return err
		}
		segs[i], values[i] = sg, v
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	oldRoot := s.root
	newRoot := oldRoot
	for i := range paths {
		next, err := setIn(newRoot, segs[i], values[i])
		if err != nil {
			s.mu.Unlock()
			return err
		}
		newRoot = next
	}
	s.root = newRoot
	s.mu.Unlock()

	now := time.Now()
	tops := make(map[string]bool)
	for i, p := range paths {
		s.record(p, segs[i], oldRoot, newRoot, now)
		tops[segs[i][0]] = true
	}
	for top := range tops {
		s.propagate(top)
	}
	for i, p := range paths {
		s.notify(p, segs[i], oldRoot, newRoot, false, now)
	}
	return nil
}

// ClearState resets the state to its defaults. Settings are reloaded from
// durable storage; every other durable path is removed from it. Wildcard
// subscribers receive a single Change with Path set to Wildcard.
func (s *Store) ClearState() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	fresh, _ := deepCopy(s.defaults).(map[string]interface{})
	if v, ok := s.load(ctx, "settings"); ok {
		fresh["settings"] = v
	}

	s.persistMu.Lock()
	for top := range s.durable {
		if top == "settings" {
			continue
		}
		if err := s.storage.Delete(ctx, storageKeyPrefix+top); err != nil {
			s.metrics.RecordPersistenceFailure(top)
			s.log.WithError(err).WithField("path", top).Warn("failed to remove persisted state")
		}
	}
	s.persistMu.Unlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	oldRoot := s.root
	s.root = fresh
	s.mu.Unlock()

	now := time.Now()
	s.history.add(HistoryEntry{Path: Wildcard, OldValue: oldRoot, NewValue: fresh, Timestamp: now})
	s.log.Info("state cleared")

	for top := range s.durable {
		if top != "settings" {
			s.publish(top, fresh[top])
		}
	}

	change := Change{Path: Wildcard, Subscribed: Wildcard, Value: fresh, OldValue: oldRoot, Timestamp: now}
	for _, sub := range s.listeners(Wildcard) {
		c := change
		c.Value, c.OldValue = deepCopy(fresh), deepCopy(oldRoot)
		s.safeCall(sub.fn, c)
	}
}

// apply runs fn against the current value at path under the write lock and
// stores its result.
func (s *Store) apply(path string, fn func(old interface{}) (interface{}, error), opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	oldRoot := s.root
	v, err := fn(getIn(oldRoot, segs))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	newRoot, err := setIn(oldRoot, segs, v)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.root = newRoot
	s.mu.Unlock()

	now := time.Now()
	s.record(path, segs, oldRoot, newRoot, now)
	if !o.local {
		s.propagate(segs[0])
	}
	if !o.silent {
		s.notify(path, segs, oldRoot, newRoot, o.remote, now)
	}
	return nil
}

func (s *Store) record(path string, segs []string, oldRoot, newRoot map[string]interface{}, now time.Time) {
	s.history.add(HistoryEntry{
		Path:      path,
		OldValue:  getIn(oldRoot, segs),
		NewValue:  getIn(newRoot, segs),
		Timestamp: now,
	})
	s.metrics.RecordStoreChange(segs[0])
}

// propagate persists and publishes the current value of a durable top-level path.
func (s *Store) propagate(top string) {
	if !s.durable[top] {
		return
	}
	v := s.persist(top)
	s.publish(top, v)
}

// persist writes the latest value of top. Holding persistMu while reading
// the value keeps concurrent writers from persisting out of order.
func (s *Store) persist(top string) interface{} {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	v := s.root[top]
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := storageKeyPrefix + top
	var err error
	if v == nil {
		err = s.storage.Delete(ctx, key)
	} else {
		var raw []byte
		if raw, err = json.Marshal(v); err == nil {
			err = s.storage.Set(ctx, key, string(raw))
		}
	}
	if err != nil {
		s.metrics.RecordPersistenceFailure(top)
		s.log.WithError(err).WithField("path", top).Warn("failed to persist state")
	}
	return v
}

func (s *Store) publish(top string, v interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.broadcaster.Publish(ctx, top, v); err != nil {
		s.log.WithError(err).WithField("path", top).Warn("failed to broadcast change")
	}
}

// load reads a durable path. Absent or undecodable values report false.
func (s *Store) load(ctx context.Context, top string) (interface{}, bool) {
	raw, err := s.storage.Get(ctx, storageKeyPrefix+top)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.WithError(err).WithField("path", top).Warn("failed to load persisted state")
		}
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.log.WithError(err).WithField("path", top).Warn("discarding undecodable persisted state")
		return nil, false
	}
	return v, true
}

// =============================================================================
// Durable storage and other instances
// =============================================================================

// Hydrate loads every durable path from storage without notifying
// subscribers. Paths that are absent keep their current value.
func (s *Store) Hydrate(ctx context.Context) error {
	var errs []error
	for top := range s.durable {
		raw, err := s.storage.Get(ctx, storageKeyPrefix+top)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", top, err))
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			s.log.WithError(err).WithField("path", top).Warn("discarding undecodable persisted state")
			continue
		}
		if err := s.apply(top, func(interface{}) (interface{}, error) { return v, nil }, Silent(), local()); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", top, err))
		}
	}
	return errors.Join(errs...)
}

// Listen starts applying changes published by other instances.
func (s *Store) Listen(ctx context.Context) error {
	return s.broadcaster.Subscribe(ctx, s.applyRemote)
}

func (s *Store) applyRemote(rc RemoteChange) {
	if !s.IsDurable(rc.Path) {
		s.log.WithField("path", rc.Path).Warn("ignoring remote change to non-durable path")
		return
	}
	var v interface{}
	if len(rc.Value) > 0 {
		if err := json.Unmarshal(rc.Value, &v); err != nil {
			s.log.WithError(err).WithField("path", rc.Path).Warn("ignoring undecodable remote change")
			return
		}
	}
	if err := s.apply(rc.Path, func(interface{}) (interface{}, error) { return v, nil }, local(), remote()); err != nil {
		s.log.WithError(err).WithField("path", rc.Path).Warn("failed to apply remote change")
	}
}

// Close stops listening to other instances.
func (s *Store) Close() error {
	return s.broadcaster.Close()
}

func local() SetOption  { return func(o *setOptions) { o.local = true } }
func remote() SetOption { return func(o *setOptions) { o.remote = true } }

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers fn for changes at path, below path, or everywhere
// when path is Wildcard. Listeners of one path run in subscription order.
// The returned function unsubscribes and is idempotent.
func (s *Store) Subscribe(path string, fn Listener) func() {
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[path] = append(s.subs[path], subscriber{id: id, fn: fn})
	s.nsubs++
	n := s.nsubs
	s.subsMu.Unlock()
	s.metrics.RecordSubscribers(n)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(path, id) })
	}
}

func (s *Store) unsubscribe(path string, id uint64) {
	s.subsMu.Lock()
	entries := s.subs[path]
	for i, e := range entries {
		if e.id == id {
			next := make([]subscriber, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(s.subs, path)
			} else {
				s.subs[path] = next
			}
			s.nsubs--
			break
		}
	}
	n := s.nsubs
	s.subsMu.Unlock()
	s.metrics.RecordSubscribers(n)
}

// listeners returns a snapshot so callbacks may (un)subscribe freely.
func (s *Store) listeners(path string) []subscriber {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	out := make([]subscriber, len(s.subs[path]))
	copy(out, s.subs[path])
	return out
}

// notify fans a change out to the exact path, each ancestor nearest first,
// then the wildcard.
func (s *Store) notify(path string, segs []string, oldRoot, newRoot map[string]interface{}, isRemote bool, now time.Time) {
	tiers := append([]string{path}, ancestors(segs)...)
	for i, tier := range tiers {
		subs := s.listeners(tier)
		if len(subs) == 0 {
			continue
		}
		tierSegs := segs[:len(segs)-i]
		newV, oldV := getIn(newRoot, tierSegs), getIn(oldRoot, tierSegs)
		for _, sub := range subs {
			s.safeCall(sub.fn, Change{
				Path:       path,
				Subscribed: tier,
				Value:      deepCopy(newV),
				OldValue:   deepCopy(oldV),
				Remote:     isRemote,
				Timestamp:  now,
			})
		}
	}

	newV, oldV := getIn(newRoot, segs), getIn(oldRoot, segs)
	for _, sub := range s.listeners(Wildcard) {
		s.safeCall(sub.fn, Change{
			Path:       path,
			Subscribed: Wildcard,
			Value:      deepCopy(newV),
			OldValue:   deepCopy(oldV),
			Remote:     isRemote,
			Timestamp:  now,
		})
	}
}

func (s *Store) safeCall(fn Listener, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordHandlerPanic("store")
			s.log.WithFields(map[string]interface{}{
				"path":  c.Path,
				"panic": fmt.Sprint(r),
			}).Error("subscriber panicked")
		}
	}()
	fn(c)
}

// =============================================================================
// Helpers
// =============================================================================

func merge(old interface{}, patch map[string]interface{}) interface{} {
	base, ok := old.(map[string]interface{})
	if !ok {
		return shallowCopy(patch)
	}
	out := shallowCopy(base)
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func asArray(path string, v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return t, nil
	default:
		return nil, svcerrors.InvalidPath(path).WithDetails("reason", "value is not an array")
	}
}
