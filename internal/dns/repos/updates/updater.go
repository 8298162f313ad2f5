// Package updates fetches, verifies, and atomically installs blocklist
// sources. A failed download, malformed signature file, or signature
// mismatch aborts the update with a typed error and leaves durable
// storage untouched; community sources are fetched independently and
// best-effort afterwards.
package updates

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

const (
	// Streaming caps bound memory against hostile or broken servers.
	trustedMaxBytes   = 5 << 20
	communityMaxBytes = 64 << 20

	defaultFetchTimeout = 30 * time.Second
)

var (
	ErrDownload         = errors.New("download failed")
	ErrTooLarge         = errors.New("download exceeds size cap")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// SnapshotStore is the part of the blocklist repository the updater
// drives: durable paths plus the rebuild trigger.
type SnapshotStore interface {
	StorageDir() string
	SourcePath(name string) string
	Load() error
	DomainCount() int
}

// TrustedSource is the integrity-verified list and its detached signature.
type TrustedSource struct {
	Name   string
	URL    string
	SigURL string
}

// CommunitySource is an unverified bulk list fetched best-effort.
type CommunitySource struct {
	Name string
	URL  string
}

// Updater runs one update cycle at a time of request. Overlapping calls
// are safe: each builds its own artifacts and installs atomically.
type Updater struct {
	store     SnapshotStore
	client    *http.Client
	publicKey ed25519.PublicKey
	trusted   TrustedSource
	community []CommunitySource
	clock     clock.Clock
	logger    log.Logger
}

// Options configures an Updater.
type Options struct {
	Store     SnapshotStore
	PublicKey ed25519.PublicKey
	Trusted   TrustedSource
	Community []CommunitySource
	Client    *http.Client
	Clock     clock.Clock
	Logger    log.Logger
}

// New constructs an Updater.
func New(opts Options) (*Updater, error) {
	if opts.Store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if len(opts.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrPublicKey
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Updater{
		store:     opts.Store,
		client:    opts.Client,
		publicKey: opts.PublicKey,
		trusted:   opts.Trusted,
		community: opts.Community,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Update downloads and verifies the trusted source, installs it, fetches
// community sources best-effort, and rebuilds the blocklist snapshot.
// On any trusted-source failure it returns before touching the filesystem.
func (u *Updater) Update(ctx context.Context) (domain.UpdateResult, error) {
	payload, err := u.fetch(ctx, u.trusted.URL, trustedMaxBytes)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	sigFile, err := u.fetch(ctx, u.trusted.SigURL, trustedMaxBytes)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	sig, err := ParseSignatureFile(sigFile)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	if !ed25519.Verify(u.publicKey, payload, sig) {
		return domain.UpdateResult{}, ErrSignatureInvalid
	}

	if err := u.install(u.trusted.Name, payload); err != nil {
		return domain.UpdateResult{}, err
	}

	installed := 1
	for _, src := range u.community {
		data, err := u.fetch(ctx, src.URL, communityMaxBytes)
		if err != nil {
			u.logger.Warn(map[string]any{
				"source": src.Name,
				"error":  err.Error(),
			}, "community source fetch failed, keeping previous copy")
			continue
		}
		if err := u.install(src.Name, data); err != nil {
			u.logger.Warn(map[string]any{
				"source": src.Name,
				"error":  err.Error(),
			}, "community source install failed")
			continue
		}
		installed++
	}

	if err := u.store.Load(); err != nil {
		return domain.UpdateResult{}, fmt.Errorf("rebuilding snapshot: %w", err)
	}

	result := domain.UpdateResult{
		DomainCount: u.store.DomainCount(),
		Sources:     installed,
		UpdatedAt:   u.clock.Now(),
	}
	u.logger.Info(map[string]any{
		"domains": result.DomainCount,
		"sources": installed,
		"at":      result.UpdatedAt,
	}, "blocklist update installed")
	return result, nil
}

// fetch downloads a URL, enforcing the byte cap while streaming.
func (u *Updater) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s from %s", ErrDownload, resp.Status, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, url)
	}
	return data, nil
}

// install writes verified bytes to durable storage via temp-file-then-
// rename, falling back to a direct overwrite where rename is unsupported.
// The temp file is removed regardless of outcome.
func (u *Updater) install(name string, data []byte) error {
	dir := u.store.StorageDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	final := u.store.SourcePath(name)
	tmp, err := os.CreateTemp(dir, filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, final); err == nil {
		return nil
	}
	// Some filesystems refuse the rename; fall back to overwriting.
	if err := os.WriteFile(final, data, 0o644); err != nil {
		return fmt.Errorf("installing %s: %w", name, err)
	}
	return nil
}
