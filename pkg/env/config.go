// Package env implements the Environment: the component that binds
// the device, page manager, blob manager, B+tree indexes, journal,
// and transaction manager into one database, and owns open/recover/
// close (spec.md §2 "Environment", §4 "Binds the above").
package env

import (
	"fmt"

	"github.com/branchkv/branchkv/internal/codec"
	"github.com/branchkv/branchkv/internal/dberr"
	"github.com/branchkv/branchkv/internal/logger"
)

// Flags is the bitset of boolean options spec.md §6 lists.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagInMemory
	FlagDisableMmap
	FlagEnableFsync
	FlagEnableCRC32
	FlagEnableTransactions
	FlagEnableRecovery
	FlagDisableReclaimInternal
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// PosixAdvice mirrors the posix_fadvise hint spec.md §6 threads
// through to the device; FileDevice does not yet act on it (it always
// maps the whole live region), but the option is carried so a future
// device variant can honor it without an API change.
type PosixAdvice int

const (
	AdviceNormal PosixAdvice = iota
	AdviceRandom
	AdviceSequential
)

// Config carries every option spec.md §6 lists as "consumed by the
// core".
type Config struct {
	PageSize           uint32
	CacheSizeBytes      int64
	FileSizeLimitBytes  int64
	Flags               Flags
	PosixAdvice         PosixAdvice
	EncryptionKey       [32]byte
	EncryptionEnabled   bool

	// Compressor overrides the default codec.SnappyCompressor used by the
	// blob manager's compression hook (spec.md §4.4); nil selects the
	// default. Set to codec.NopCompressor{} to disable compression
	// without disabling it per-call.
	Compressor codec.Compressor

	// Encryptor overrides the Encryptor built from EncryptionEnabled/
	// EncryptionKey (spec.md §6 "encryption_key"/"is_encryption_enabled");
	// nil selects that default. Set only in tests that need to swap in a
	// fake AEAD; production callers should leave this nil and set
	// EncryptionEnabled/EncryptionKey instead.
	Encryptor codec.Encryptor

	// JournalRotationThreshold and CommitFlushThreshold tune the
	// journal (spec.md §4.6) and transaction manager (spec.md §4.8);
	// zero selects each component's own default.
	JournalRotationThreshold int
	CommitFlushThreshold     int

	// InlineValueThreshold is the largest record, in bytes, a B+tree
	// leaf stores inline; anything larger is routed through the
	// database's blob manager instead (spec.md §3, §4.5). Zero selects
	// a quarter of PageSize, the teacher's "a few entries still fit a
	// page with a large record on it" rule of thumb.
	InlineValueThreshold uint32

	Logger logger.Config
}

const (
	defaultPageSize  = 16 * 1024
	defaultCacheSize = 2 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.CacheSizeBytes == 0 {
		c.CacheSizeBytes = defaultCacheSize
	}
	if c.Compressor == nil {
		c.Compressor = codec.SnappyCompressor{}
	}
	if c.InlineValueThreshold == 0 {
		c.InlineValueThreshold = c.PageSize / 4
	}
	return c
}

func (c Config) validate() error {
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return dberr.New(dberr.KindInvalidParameter, "env.Config.validate", fmt.Errorf("page size %d is not a power of two", c.PageSize))
	}
	if c.EncryptionEnabled {
		allZero := true
		for _, b := range c.EncryptionKey {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return dberr.New(dberr.KindInvalidParameter, "env.Config.validate", fmt.Errorf("encryption enabled but no key configured"))
		}
	}
	return nil
}

// encryptor resolves the Encryptor the blob manager should use: the
// explicit override if set, the ChaCha20-Poly1305 default when
// encryption is enabled, or nil to run without encryption at rest.
func (c Config) encryptor() (codec.Encryptor, error) {
	if c.Encryptor != nil {
		return c.Encryptor, nil
	}
	if !c.EncryptionEnabled {
		return nil, nil
	}
	enc, err := codec.NewChaChaEncryptor(c.EncryptionKey)
	if err != nil {
		return nil, dberr.New(dberr.KindInvalidParameter, "env.Config.encryptor", err)
	}
	return enc, nil
}
