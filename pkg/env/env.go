package env

import (
	"fmt"
	"sync"

	"github.com/branchkv/branchkv/internal/codec"
	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/internal/device"
	"github.com/branchkv/branchkv/internal/logger"
	"github.com/branchkv/branchkv/internal/metrics"
	"github.com/branchkv/branchkv/pkg/blob"
	"github.com/branchkv/branchkv/pkg/btree"
	"github.com/branchkv/branchkv/pkg/freelist"
	"github.com/branchkv/branchkv/pkg/journal"
	"github.com/branchkv/branchkv/pkg/page"
	"github.com/branchkv/branchkv/pkg/pagemgr"
	"github.com/branchkv/branchkv/pkg/txn"
)

// headerPageAddr and stateFileSizePages are the two reserved pages
// every database starts with: the header at 0 and the page manager's
// own persisted state at 1 (spec.md §6 "Header page"). A real
// multi-database file would eventually outgrow a single state page
// once the catalogue or freelist got large; we do not implement
// overflow-page chaining for it (see DESIGN.md) since no database this
// engine is expected to hold needs a freelist encoding larger than one
// page.
const (
	headerPageAddr     = 0
	stateFileSizePages = 2
)

// Environment is the top-level handle a caller opens: it binds the
// device, page manager, blob manager, B+tree indexes, journal, and
// transaction manager into one database and owns its open/recover/
// close lifecycle (spec.md §2 "Environment").
type Environment struct {
	cfg  Config
	dir  string
	name string

	dev device.Device
	pm  *pagemgr.Manager
	jnl *journal.Journal
	txn *txn.Manager
	log *logger.Logger
	met *metrics.Metrics
	enc codec.Encryptor

	mu           sync.RWMutex
	dbs          map[string]*Database
	highestTxnID uint64
	highestLSN   uint64

	// recoveryUndo tracks, for each in-flight transaction seen during a
	// recovery pass, the prior value of every key it touched so an
	// uncommitted transaction's effects can be rolled back once
	// recovery discovers it never committed. Unused outside Open.
	recoveryUndo map[uint64][]undoOp
}

type undoKind uint8

const (
	undoInsert undoKind = iota
	undoErase
)

type undoOp struct {
	kind    undoKind
	db      string
	key     []byte
	hadPrev bool
	prevVal []byte
}

// Create initializes a brand-new database at dir/name (or a purely
// in-memory one when cfg.Flags has FlagInMemory set) and returns an
// Environment ready for use.
func Create(dir, name string, cfg Config) (*Environment, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.Logger)
	met := metrics.New()

	enc, err := cfg.encryptor()
	if err != nil {
		return nil, err
	}

	var dev device.Device
	if cfg.Flags.has(FlagInMemory) {
		dev = device.NewMemory()
	} else {
		dev, err = device.Create(dir + "/" + name + ".db")
		if err != nil {
			return nil, err
		}
	}

	if _, err := dev.Alloc(int64(stateFileSizePages) * int64(cfg.PageSize)); err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:  cfg,
		dir:  dir,
		name: name,
		dev:  dev,
		log:  log.Named("env"),
		met:  met,
		enc:  enc,
		dbs:  make(map[string]*Database),
	}

	e.pm = pagemgr.New(dev, pagemgr.Config{
		PageSize:       cfg.PageSize,
		CacheSizeBytes: cfg.CacheSizeBytes,
		DisableCRC:     !cfg.Flags.has(FlagEnableCRC32),
	}, stateFileSizePages, freelist.New(), e.log, met)

	if err := e.writeHeader(); err != nil {
		return nil, err
	}
	if err := e.writeStatePage(); err != nil {
		return nil, err
	}

	if !cfg.Flags.has(FlagInMemory) {
		j, err := journal.Create(dir, name, journal.Config{RotationThreshold: cfg.JournalRotationThreshold, FsyncEnabled: cfg.Flags.has(FlagEnableFsync)}, e.log, met)
		if err != nil {
			return nil, err
		}
		e.jnl = j
	}

	e.txn = txn.New(nil, e.journalAdapter(), e.pm, txn.Config{CommitFlushThreshold: cfg.CommitFlushThreshold}, e.log, met)
	return e, nil
}

// Open opens an existing database at dir/name, running crash recovery
// through the journal before any caller can observe the database.
func Open(dir, name string, cfg Config) (*Environment, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.Logger)
	met := metrics.New()

	enc, err := cfg.encryptor()
	if err != nil {
		return nil, err
	}

	dev, err := device.Open(dir+"/"+name+".db", cfg.Flags.has(FlagReadOnly))
	if err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:  cfg,
		dir:  dir,
		name: name,
		dev:  dev,
		log:  log.Named("env"),
		met:  met,
		enc:  enc,
		dbs:  make(map[string]*Database),
	}

	hdr, err := e.readHeader()
	if err != nil {
		return nil, err
	}
	cfg.PageSize = hdr.PageSize
	e.cfg = cfg
	e.highestTxnID = hdr.HighestTxnID
	e.highestLSN = hdr.HighestLSN

	statePage, err := dev.ReadPage(int64(hdr.FirstStatePage)*int64(cfg.PageSize), int(cfg.PageSize))
	if err != nil {
		return nil, err
	}
	fileSizePages, free, err := pagemgr.DecodeState(statePage.Bytes()[page.HeaderSize:])
	if err != nil {
		return nil, err
	}

	e.pm = pagemgr.New(dev, pagemgr.Config{
		PageSize:       cfg.PageSize,
		CacheSizeBytes: cfg.CacheSizeBytes,
		DisableCRC:     !cfg.Flags.has(FlagEnableCRC32),
	}, fileSizePages, free, e.log, met)

	for _, row := range hdr.Databases {
		blobs := blob.NewDiskManager(e.pm, cfg.PageSize, cfg.Compressor, e.enc)
		db := &Database{
			Name:  row.Name,
			Kind:  row.Kind,
			Tree:  btree.Open(e.pm, int(cfg.PageSize), comparatorFor(row.Kind), row.Root, blobs, int(cfg.InlineValueThreshold), e.log, met),
			Blobs: blobs,
		}
		e.dbs[row.Name] = db
	}

	txnDbs := make(map[string]txn.Index, len(e.dbs))
	for name, db := range e.dbs {
		txnDbs[name] = db.Tree
	}
	e.txn = txn.New(txnDbs, e.journalAdapter(), e.pm, txn.Config{CommitFlushThreshold: cfg.CommitFlushThreshold}, e.log, met)

	// Recovery always runs on Open (spec.md §4.6): when the prior close
	// truncated both journal files cleanly it is a no-op, so there is
	// no reason to gate it behind a flag.
	e.recoveryUndo = make(map[uint64][]undoOp)
	j, result, err := journal.Recover(dir, name, journal.Config{RotationThreshold: cfg.JournalRotationThreshold, FsyncEnabled: cfg.Flags.has(FlagEnableFsync)}, e, e.log, met)
	if err != nil {
		return nil, err
	}
	e.jnl = j
	e.recoveryUndo = nil
	if result.NextLSN > e.highestLSN {
		e.highestLSN = result.NextLSN
	}
	if met != nil {
		met.RecoveryReplayedTotal.Add(float64(result.ReplayedCount))
	}

	e.txn.SetNextID(e.highestTxnID + 1)
	return e, nil
}

// journalAdapter narrows *journal.Journal to the txn.Journal interface,
// or returns nil (untyped) when running without a journal so a nil
// *journal.Journal stored in a non-nil txn.Journal interface value
// never trips up a later nil check in pkg/txn.
func (e *Environment) journalAdapter() txn.Journal {
	if e.jnl == nil {
		return nil
	}
	return e.jnl
}

// CreateDatabase opens (creating if absent) a named B+tree index
// within this environment.
func (e *Environment) CreateDatabase(name string, kind DatabaseKind) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	blobs := blob.NewDiskManager(e.pm, e.cfg.PageSize, e.cfg.Compressor, e.enc)
	db := &Database{
		Name:  name,
		Kind:  kind,
		Tree:  btree.Open(e.pm, int(e.cfg.PageSize), comparatorFor(kind), 0, blobs, int(e.cfg.InlineValueThreshold), e.log, e.met),
		Blobs: blobs,
	}
	e.dbs[name] = db
	e.txn.RegisterDatabase(name, db.Tree)
	return db, nil
}

// Database returns the named database, if it has been created.
func (e *Environment) Database(name string) (*Database, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	db, ok := e.dbs[name]
	return db, ok
}

// Begin starts a new transaction (spec.md §4.8).
func (e *Environment) Begin(readOnly bool) (*txn.Txn, error) {
	t, err := e.txn.Begin(readOnly, e.name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if t.ID > e.highestTxnID {
		e.highestTxnID = t.ID
	}
	e.mu.Unlock()
	return t, nil
}

// Commit commits t.
func (e *Environment) Commit(t *txn.Txn) error { return e.txn.Commit(t) }

// Abort aborts t.
func (e *Environment) Abort(t *txn.Txn) error { return e.txn.Abort(t) }

// Put queues key/val for insert against db within t.
func (e *Environment) Put(t *txn.Txn, db string, key, val []byte, allowDuplicate bool) error {
	return e.txn.Put(t, db, key, val, allowDuplicate, 0)
}

// Erase queues key for removal from db within t.
func (e *Environment) Erase(t *txn.Txn, db string, key []byte) error {
	return e.txn.Erase(t, db, key, 0, 0)
}

// Get resolves a read for key in db through t's visibility rules.
func (e *Environment) Get(t *txn.Txn, db string, key []byte) ([]byte, bool, error) {
	return e.txn.Get(t, db, key)
}

// writeHeader serializes the current catalogue and counters and writes
// them to page 0.
func (e *Environment) writeHeader() error {
	e.mu.RLock()
	rows := make([]dbCatalogEntry, 0, len(e.dbs))
	for _, db := range e.dbs {
		rows = append(rows, dbCatalogEntry{Name: db.Name, Kind: db.Kind, Root: db.Tree.Root()})
	}
	e.mu.RUnlock()

	h := &fileHeader{
		PageSize:       e.cfg.PageSize,
		DefaultKeySize: 0,
		Flags:          uint32(e.cfg.Flags),
		FirstStatePage: 1,
		HighestTxnID:   e.highestTxnID,
		HighestLSN:     e.highestLSN,
		Databases:      rows,
	}
	buf := h.encode(e.cfg.PageSize)

	p := page.New(headerPageAddr, e.cfg.PageSize, page.TypeHeader, page.Owned(buf), true)
	p.CRC = p.ComputeCRC32()
	p.EncodeHeader()
	return e.dev.WriteAt(p.Payload(), headerPageAddr*int64(e.cfg.PageSize))
}

func (e *Environment) readHeader() (*fileHeader, error) {
	buf := make([]byte, guessPageSize(e.cfg.PageSize))
	if err := e.dev.ReadAt(buf, headerPageAddr); err != nil {
		return nil, err
	}
	p := page.New(headerPageAddr, uint32(len(buf)), page.TypeHeader, page.Owned(buf), true)
	p.DecodeHeader()
	if !p.VerifyCRC32() {
		return nil, dberr.New(dberr.KindIntegrityViolated, "env.readHeader", fmt.Errorf("header page failed CRC check"))
	}
	return decodeFileHeader(buf)
}

// guessPageSize picks the buffer size used to read the header page:
// the configured size when set, else the default. The header's own
// PageSize field is only available after that read and is not
// consulted here.
func guessPageSize(configured uint32) int {
	if configured != 0 {
		return int(configured)
	}
	return defaultPageSize
}

// writeStatePage persists the page manager's file size and freelist to
// page 1.
func (e *Environment) writeStatePage() error {
	state := e.pm.EncodeState()
	buf := make([]byte, e.cfg.PageSize)
	copy(buf[page.HeaderSize:], state)

	p := page.New(1, e.cfg.PageSize, page.TypePageManagerState, page.Owned(buf), true)
	p.CRC = p.ComputeCRC32()
	p.EncodeHeader()
	return e.dev.WriteAt(p.Payload(), int64(e.cfg.PageSize))
}

// Close flushes every committed transaction still queued, persists the
// header and page-manager state, and closes the journal and device
// (spec.md §4.2 close_database, §4.6, §4.8).
func (e *Environment) Close() error {
	if err := e.txn.FlushPending(); err != nil {
		return err
	}
	e.pm.AwaitFlush()
	if err := e.writeHeader(); err != nil {
		return err
	}
	if err := e.writeStatePage(); err != nil {
		return err
	}
	if e.jnl != nil {
		if err := e.jnl.TruncateBoth(); err != nil {
			return err
		}
		if err := e.jnl.Close(); err != nil {
			return err
		}
	}
	return e.pm.Close()
}
