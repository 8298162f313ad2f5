package blocklist

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

// StorageDirName is the fixed directory, under the data dir, holding one
// plain-text file per source.
const StorageDirName = "blocklists"

// Source describes one durable blocklist file under the storage directory.
type Source struct {
	Name     string // file is <Name>.txt
	Category string // default category for entries without a header
	Trusted  bool   // integrity-verified source, merged first
}

// Stats exposes repository counters.
type Stats struct {
	Domains    int
	Sources    int
	Decisions  uint64
	BlockedHit uint64
	LoadedAt   time.Time
}

// Repository owns the current snapshot behind a single swappable
// reference. Decide and the accessors are safe for concurrent use with
// Load; readers always see a complete snapshot.
type Repository struct {
	dataDir  string
	sources  []Source
	clock    clock.Clock
	logger   log.Logger
	snapshot atomic.Pointer[Snapshot]

	decisions atomic.Uint64
	blocked   atomic.Uint64
}

// Options configures a Repository.
type Options struct {
	DataDir string
	Sources []Source
	Clock   clock.Clock
	Logger  log.Logger
}

// NewRepository constructs a Repository with an empty snapshot installed,
// so lookups are valid before the first Load.
func NewRepository(opts Options) *Repository {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	r := &Repository{
		dataDir: opts.DataDir,
		sources: opts.Sources,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	r.snapshot.Store(NewBuilder().Build(opts.Clock.Now()))
	return r
}

// StorageDir returns the directory holding the per-source files.
func (r *Repository) StorageDir() string {
	return filepath.Join(r.dataDir, StorageDirName)
}

// SourcePath returns the durable path for a named source.
func (r *Repository) SourcePath(name string) string {
	return filepath.Join(r.StorageDir(), name+".txt")
}

// Sources returns the configured source descriptors.
func (r *Repository) Sources() []Source {
	return r.sources
}

// Load rebuilds the snapshot from durable storage and swaps it in. Trusted
// sources merge first so their categories take precedence. A source whose
// file is missing or unreadable contributes nothing and does not abort the
// others.
func (r *Repository) Load() error {
	builder := NewBuilder()
	for _, pass := range []bool{true, false} {
		for _, src := range r.sources {
			if src.Trusted != pass {
				continue
			}
			r.mergeSource(builder, src)
		}
	}

	snap := builder.Build(r.clock.Now())
	r.snapshot.Store(snap)
	r.logger.Info(map[string]any{
		"domains": snap.Len(),
		"sources": snap.Sources(),
	}, "blocklist snapshot loaded")
	return nil
}

func (r *Repository) mergeSource(builder *Builder, src Source) {
	f, err := os.Open(r.SourcePath(src.Name))
	if err != nil {
		r.logger.Warn(map[string]any{
			"source": src.Name,
			"error":  err.Error(),
		}, "blocklist source unavailable, skipping")
		return
	}
	defer f.Close()

	count, err := builder.AddSource(f, src.Category)
	if err != nil {
		r.logger.Warn(map[string]any{
			"source": src.Name,
			"error":  err.Error(),
		}, "blocklist source unreadable, partial merge kept")
	}
	r.logger.Debug(map[string]any{
		"source":  src.Name,
		"entries": count,
	}, "blocklist source merged")
}

// Current returns the installed snapshot. Never nil.
func (r *Repository) Current() *Snapshot {
	return r.snapshot.Load()
}

// Decide evaluates one query name against the current snapshot.
func (r *Repository) Decide(name string) domain.BlockDecision {
	r.decisions.Add(1)
	category, blocked := r.Current().BlockResultFor(name)
	if !blocked {
		return domain.Forward()
	}
	r.blocked.Add(1)
	return domain.Blocked(name, category)
}

// IsBlocked reports whether the name or a parent domain is listed.
func (r *Repository) IsBlocked(name string) bool {
	return r.Current().IsBlocked(name)
}

// DomainCount returns the number of domains in the current snapshot.
func (r *Repository) DomainCount() int {
	return r.Current().Len()
}

// Stats returns repository counters and snapshot metadata.
func (r *Repository) Stats() Stats {
	snap := r.Current()
	return Stats{
		Domains:    snap.Len(),
		Sources:    snap.Sources(),
		Decisions:  r.decisions.Load(),
		BlockedHit: r.blocked.Load(),
		LoadedAt:   snap.BuiltAt(),
	}
}
