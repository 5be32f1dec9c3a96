package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"log"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrUnknownStore is returned when writing into a store that has been deleted.
var ErrUnknownStore = errors.New("swcache: unknown cache store")

// Key layout:
//
//	s:<store>            store marker, value is the creation time
//	e:<store>\x00<key>   gob-encoded CacheEntry
const (
	storePrefix = "s:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// Registry owns the named cache stores. All stores live in one leveldb
// database so deleting a store is a single prefix sweep.
type Registry struct {
	db       *leveldb.DB
	maxEntry int64

	// mu serializes store creation and deletion against entry writes, so a
	// put cannot leave orphaned entries behind a deleted store.
	mu sync.RWMutex

	overflowLog *rateLimitedLogger
}

// OpenRegistry opens (or creates) the registry database at path.
// Entries whose body exceeds maxEntry bytes are not stored; 0 disables the
// limit.
func OpenRegistry(path string, maxEntry int64) (*Registry, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newRegistry(db, maxEntry), nil
}

// NewMemRegistry returns a registry that lives in memory only.
func NewMemRegistry(maxEntry int64) (*Registry, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newRegistry(db, maxEntry), nil
}

func newRegistry(db *leveldb.DB, maxEntry int64) *Registry {
	return &Registry{
		db:          db,
		maxEntry:    maxEntry,
		overflowLog: newRateLimitedLogger(time.Minute),
	}
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Open returns the named store, creating it if needed.
func (r *Registry) Open(name string) (*Store, error) {
	if name == "" {
		return nil, errors.New("swcache: empty store name")
	}
	ok, err := r.Has(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Store{reg: r, name: name}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err = r.db.Has([]byte(storePrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, _ := time.Now().UTC().MarshalBinary()
		if err := r.db.Put([]byte(storePrefix+name), b, nil); err != nil {
			return nil, err
		}
	}
	return &Store{reg: r, name: name}, nil
}

// Has reports whether the named store exists.
func (r *Registry) Has(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db.Has([]byte(storePrefix+name), nil)
}

// Delete removes the named store and every entry in it. It reports whether
// the store existed.
func (r *Registry) Delete(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.db.Has([]byte(storePrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := r.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(storePrefix + name))
	if err := r.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Names lists existing store names in lexical order.
func (r *Registry) Names() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it := r.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(storePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// StoreStats describes the size of one store.
type StoreStats struct {
	Name    string
	Entries int
	Bytes   uint64
}

// Stats returns entry counts and encoded sizes for every existing store.
func (r *Registry) Stats() ([]StoreStats, error) {
	names, err := r.Names()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*StoreStats, len(names))
	out := make([]StoreStats, len(names))
	for i, n := range names {
		out[i].Name = n
		byName[n] = &out[i]
	}

	it := r.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix)))
		name, _, ok := strings.Cut(k, keySep)
		if !ok {
			continue
		}
		if st := byName[name]; st != nil {
			st.Entries++
			st.Bytes += uint64(len(it.Value()))
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Store is a handle to one named cache store.
type Store struct {
	reg  *Registry
	name string
}

func (s *Store) Name() string { return s.name }

// Match looks up the entry for req. The returned response is a fresh,
// unread copy.
func (s *Store) Match(ctx context.Context, req *Request) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, err := s.reg.db.Get(s.entryKey(req), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, err
	}
	for name, want := range ent.Vary {
		if ignoredVary(name) {
			continue
		}
		if req.Header.Get(name) != want {
			return nil, false, nil
		}
	}
	return entryResponse(ent), true, nil
}

// Put stores resp under req, overwriting any previous entry. Put consumes
// resp's body; callers that still need the response must pass a clone.
func (s *Store) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ent, err := resp.toEntry(time.Now().Unix())
	if err != nil {
		return err
	}
	if s.reg.maxEntry > 0 && int64(len(ent.Body)) > s.reg.maxEntry {
		s.reg.overflowLog.Printf("cache put skipped: store=%s url=%s size=%s over limit %s",
			s.name, req.URL, formatBytes(uint64(len(ent.Body))), formatBytes(uint64(s.reg.maxEntry)))
		return nil
	}
	vary, cacheable := varyValues(req, ent.Header)
	if !cacheable {
		return nil
	}
	ent.Vary = vary

	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	ok, err := s.reg.db.Has([]byte(storePrefix+s.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownStore
	}
	return s.reg.db.Put(s.entryKey(req), b, nil)
}

// Delete removes the entry for req, if present.
func (s *Store) Delete(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.reg.db.Delete(s.entryKey(req), nil)
}

// Len returns the number of entries in the store.
func (s *Store) Len() (int, error) {
	it := s.reg.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+s.name+keySep)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *Store) entryKey(req *Request) []byte {
	return []byte(entryPrefix + s.name + keySep + requestKey(req))
}

// requestKey is the normalized identity of a request: method plus URL
// without fragment. Header-dependent variants are handled through Vary.
func requestKey(req *Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.ToUpper(req.Method) + " " + u.String()
}

func varyValues(req *Request, h http.Header) (map[string]string, bool) {
	var out map[string]string
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == "*" {
				return nil, false
			}
			name = textproto.CanonicalMIMEHeaderKey(name)
			if ignoredVary(name) {
				continue
			}
			if out == nil {
				out = map[string]string{}
			}
			out[name] = req.Header.Get(name)
		}
	}
	return out, true
}

// ignoredVary reports whether a Vary name is one the network layer rewrites
// on every fetch, so the stored response never depended on it.
func ignoredVary(name string) bool {
	return textproto.CanonicalMIMEHeaderKey(name) == "Accept-Encoding"
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
