package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/internal/logger"
	"github.com/branchkv/branchkv/internal/metrics"
)

// fileHeaderSize is the fixed prefix written to every journal file:
// magic(4) + version(1) + reserved(3).
const fileHeaderSize = 8

var fileMagic = [4]byte{'b', 'k', 'j', 'n'}

const fileVersion = 1

// Config controls rotation and fsync behavior.
type Config struct {
	// RotationThreshold is the number of transactions a file may begin
	// before it becomes eligible for rotation (spec.md §4.6).
	RotationThreshold int
	// FsyncEnabled asks the OS to sync each file after a commit/changeset
	// flush, on top of the buffer flush that always happens.
	FsyncEnabled bool
}

func (c Config) withDefaults() Config {
	if c.RotationThreshold <= 0 {
		c.RotationThreshold = 1000
	}
	return c
}

// fileState tracks one of the two rotating journal files.
type fileState struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	txnCount int            // transactions begun while this file has been current
	openTxns map[uint64]int // txn id -> 1, transactions begun here not yet committed/aborted
}

func (fs *fileState) openCount() int { return len(fs.openTxns) }

// Journal is the two-file rotating log described in spec.md §4.6. A
// transaction's entries may span a rotation boundary; recovery merges
// both files by LSN, so there is no requirement that an entry be
// written to the file its transaction began on.
type Journal struct {
	dir  string
	name string
	cfg  Config
	log  *logger.Logger
	met  *metrics.Metrics

	mu      sync.Mutex
	files   [2]*fileState
	current int
	lsn     uint64
}

func filePath(dir, name string, idx int) string {
	suffix := "a"
	if idx == 1 {
		suffix = "b"
	}
	return filepath.Join(dir, fmt.Sprintf("%s.journal-%s", name, suffix))
}

// Create creates (truncating if present) both journal files and
// returns a Journal positioned at file A with LSN counter starting at 1.
func Create(dir, name string, cfg Config, log *logger.Logger, met *metrics.Metrics) (*Journal, error) {
	if log == nil {
		log = logger.Nop()
	}
	j := &Journal{dir: dir, name: name, cfg: cfg.withDefaults(), log: log.Named("journal"), met: met, lsn: 1}
	for i := 0; i < 2; i++ {
		fs, err := openOrCreateFile(filePath(dir, name, i), true)
		if err != nil {
			return nil, err
		}
		j.files[i] = fs
	}
	return j, nil
}

// Open opens both existing journal files without touching their
// contents, for use after a recovery pass that has already replayed
// and truncated them (or, ahead of recovery, so the recovery reader
// can scan their raw bytes through the same *os.File handles).
func Open(dir, name string, cfg Config, log *logger.Logger, met *metrics.Metrics) (*Journal, error) {
	if log == nil {
		log = logger.Nop()
	}
	j := &Journal{dir: dir, name: name, cfg: cfg.withDefaults(), log: log.Named("journal"), lsn: 1}
	for i := 0; i < 2; i++ {
		fs, err := openOrCreateFile(filePath(dir, name, i), false)
		if err != nil {
			return nil, err
		}
		j.files[i] = fs
	}
	return j, nil
}

func openOrCreateFile(path string, truncate bool) (*fileState, error) {
	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, dberr.New(dberr.KindIOError, "journal.openOrCreateFile", err)
	}
	fs := &fileState{path: path, f: f, w: bufio.NewWriter(f), openTxns: make(map[uint64]int)}

	info, err := f.Stat()
	if err != nil {
		return nil, dberr.New(dberr.KindIOError, "journal.openOrCreateFile", err)
	}
	if info.Size() == 0 {
		if err := fs.writeHeader(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *fileState) writeHeader() error {
	hdr := make([]byte, fileHeaderSize)
	copy(hdr[0:4], fileMagic[:])
	hdr[4] = fileVersion
	if _, err := fs.f.WriteAt(hdr, 0); err != nil {
		return dberr.New(dberr.KindIOError, "journal.writeHeader", err)
	}
	if _, err := fs.f.Seek(int64(fileHeaderSize), 0); err != nil {
		return dberr.New(dberr.KindIOError, "journal.writeHeader", err)
	}
	return fs.f.Sync()
}

func (fs *fileState) truncateToHeader() error {
	if err := fs.f.Truncate(0); err != nil {
		return dberr.New(dberr.KindIOError, "journal.truncateToHeader", err)
	}
	fs.txnCount = 0
	fs.openTxns = make(map[uint64]int)
	fs.w = bufio.NewWriter(fs.f)
	return fs.writeHeader()
}

// SetLSN sets the journal's next-LSN counter, used by recovery to
// resume numbering after the highest observed LSN.
func (j *Journal) SetLSN(next uint64) { atomic.StoreUint64(&j.lsn, next) }

func (j *Journal) nextLSN() uint64 { return atomic.AddUint64(&j.lsn, 1) - 1 }

func (j *Journal) writeEntry(e *Entry) error {
	e.LSN = j.nextLSN()
	data := e.Encode()
	cur := j.files[j.current]
	if _, err := cur.w.Write(data); err != nil {
		return dberr.New(dberr.KindIOError, "journal.writeEntry", err)
	}
	if j.met != nil {
		j.met.JournalBytesWritten.Add(float64(len(data)))
	}
	return nil
}

func (j *Journal) flushCurrent() error {
	cur := j.files[j.current]
	if err := cur.w.Flush(); err != nil {
		return dberr.New(dberr.KindIOError, "journal.flushCurrent", err)
	}
	if j.cfg.FsyncEnabled {
		if err := cur.f.Sync(); err != nil {
			return dberr.New(dberr.KindIOError, "journal.flushCurrent", err)
		}
		if j.met != nil {
			j.met.JournalFsyncsTotal.Inc()
		}
	}
	return nil
}

// maybeRotate implements spec.md §4.6's rotation policy: called right
// before a new transaction's begin entry is written.
func (j *Journal) maybeRotate() error {
	cur := j.files[j.current]
	other := j.files[1-j.current]
	if cur.txnCount < j.cfg.RotationThreshold || other.openCount() != 0 {
		return nil
	}
	if err := other.truncateToHeader(); err != nil {
		return err
	}
	j.current = 1 - j.current
	if j.met != nil {
		j.met.JournalRotationsTotal.Inc()
	}
	j.log.Debug().Str("event", "journal_rotate").Int("file", j.current).Msg("journal rotated")
	return nil
}

// Begin records a txn-begin entry and returns the LSN it was assigned.
func (j *Journal) Begin(txnID uint64, name string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.maybeRotate(); err != nil {
		return 0, err
	}
	cur := j.files[j.current]
	e := &Entry{Kind: KindTxnBegin, TxnID: txnID, Name: name}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	cur.txnCount++
	cur.openTxns[txnID] = 1
	return e.LSN, nil
}

// Commit records a txn-commit entry and forces the current file's
// buffer (and, if enabled, an fsync) to disk.
func (j *Journal) Commit(txnID uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := &Entry{Kind: KindTxnCommit, TxnID: txnID}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	j.clearOpen(txnID)
	if err := j.flushCurrent(); err != nil {
		return 0, err
	}
	return e.LSN, nil
}

// Abort records a txn-abort entry and flushes, mirroring Commit.
func (j *Journal) Abort(txnID uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := &Entry{Kind: KindTxnAbort, TxnID: txnID}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	j.clearOpen(txnID)
	if err := j.flushCurrent(); err != nil {
		return 0, err
	}
	return e.LSN, nil
}

func (j *Journal) clearOpen(txnID uint64) {
	for _, fs := range j.files {
		delete(fs.openTxns, txnID)
	}
}

// Insert records an insert entry against database db.
func (j *Journal) Insert(txnID uint64, db string, key, record []byte, flags uint32) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := &Entry{Kind: KindInsert, TxnID: txnID, Database: db, Key: key, Record: record, Flags: flags}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	return e.LSN, nil
}

// Erase records an erase entry against database db.
func (j *Journal) Erase(txnID uint64, db string, key []byte, dupIndex uint32, flags uint32) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := &Entry{Kind: KindErase, TxnID: txnID, Database: db, Key: key, DupIndex: dupIndex, Flags: flags}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	return e.LSN, nil
}

// WriteChangeset records a changeset entry (spec.md §4.7) and always
// flushes afterward, independent of FsyncEnabled/commit timing.
func (j *Journal) WriteChangeset(pages []PageImage, lastBlobHint uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := &Entry{Kind: KindChangeset, Pages: pages, LastBlobPage: lastBlobHint}
	if err := j.writeEntry(e); err != nil {
		return 0, err
	}
	return e.LSN, j.flushCurrent()
}

// CurrentLSN returns the next LSN that will be assigned.
func (j *Journal) CurrentLSN() uint64 { return atomic.LoadUint64(&j.lsn) }

// Close flushes and closes both files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, fs := range j.files {
		if err := fs.w.Flush(); err != nil && firstErr == nil {
			firstErr = dberr.New(dberr.KindIOError, "journal.Close", err)
		}
		if err := fs.f.Close(); err != nil && firstErr == nil {
			firstErr = dberr.New(dberr.KindIOError, "journal.Close", err)
		}
	}
	return firstErr
}

// TruncateBoth empties both files back to just their header, used by
// recovery's final step (spec.md §4.6 phase 2).
func (j *Journal) TruncateBoth() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, fs := range j.files {
		if err := fs.truncateToHeader(); err != nil {
			return err
		}
	}
	j.current = 0
	return nil
}
