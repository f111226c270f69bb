package metadata

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/types"
)

// DirectoryEntryLimit is the hard ceiling on entries in one directory.
// Writes that would cross it are rejected.
const DirectoryEntryLimit = 1_000_000

// Config gates optional envelope behavior.
type Config struct {
	// SnaplinksEnabled is the global snaplink feature gate.
	SnaplinksEnabled bool `mapstructure:"snaplinks_enabled" yaml:"snaplinks_enabled"`

	// SnaplinksDisabledAccounts lists account ids that may not be the
	// source of new snaplinks (their objects stay single-path and so
	// remain eligible for accelerated deletion).
	SnaplinksDisabledAccounts []string `mapstructure:"accounts_snaplinks_disabled" yaml:"accounts_snaplinks_disabled"`

	// DirectoryLimit overrides DirectoryEntryLimit; zero keeps the
	// default.
	DirectoryLimit int64 `mapstructure:"directory_limit" yaml:"directory_limit"`
}

// Envelope wraps an Index with the webapi's consistency rules.
type Envelope struct {
	index    Index
	roles    RoleResolver
	cfg      Config
	disabled map[string]bool
}

// New creates an Envelope. roles may be nil when role tags are not in
// use; explicit role names then fail resolution.
func New(index Index, roles RoleResolver, cfg Config) *Envelope {
	if cfg.DirectoryLimit <= 0 {
		cfg.DirectoryLimit = DirectoryEntryLimit
	}
	disabled := make(map[string]bool, len(cfg.SnaplinksDisabledAccounts))
	for _, acct := range cfg.SnaplinksDisabledAccounts {
		disabled[acct] = true
	}
	return &Envelope{index: index, roles: roles, cfg: cfg, disabled: disabled}
}

// Index exposes the underlying index for readiness checks and listings.
func (e *Envelope) Index() Index {
	return e.index
}

// SnaplinksAllowedFor reports whether account may create snaplinks from
// its objects.
func (e *Envelope) SnaplinksAllowedFor(account string) bool {
	return e.cfg.SnaplinksEnabled && !e.disabled[account]
}

// Entry is the result of a load: the record at Key plus, when requested,
// its parent. Missing records are sentinels with Type == TypeNone, never
// nil, so guard code stays uniform.
type Entry struct {
	Key      string
	MD       *types.ObjectMetadata
	ParentMD *types.ObjectMetadata
}

// Exists reports whether the loaded key has a real record.
func (en *Entry) Exists() bool {
	return en.MD.Exists()
}

// Load fetches the metadata for key and, when withParent is set, its
// parent directory, in parallel. Root keys never load a parent.
func (e *Envelope) Load(ctx context.Context, key string, withParent bool) (*Entry, error) {
	entry := &Entry{Key: key}
	parentKey := types.ParentOf(key)
	withParent = withParent && !types.IsRootPath(key) && key != "/"

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		md, err := e.index.Get(gctx, key)
		if stderrors.Is(err, ErrNotFound) {
			entry.MD = types.Missing(key)
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading %s: %w", key, err)
		}
		entry.MD = md
		return nil
	})
	if withParent {
		g.Go(func() error {
			md, err := e.index.Get(gctx, parentKey)
			if stderrors.Is(err, ErrNotFound) {
				entry.ParentMD = types.Missing(parentKey)
				return nil
			}
			if err != nil {
				return fmt.Errorf("loading parent %s: %w", parentKey, err)
			}
			entry.ParentMD = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return entry, nil
}

// ============================================================================
// Namespace guards. Callers run them in this documented order:
// EnsureNotRoot, EnsureNotDirectory, EnsureParent, EnforceDirectoryCount,
// EnsureDirectoryEmpty. A later guard must not run before an earlier one
// has passed.
// ============================================================================

// EnsureNotRoot rejects PUT and DELETE against the fixed root set. A PUT
// is allowed only when it is a directory put (roots are overwritable as
// directories, and only as directories).
func (e *Envelope) EnsureNotRoot(method, key string, directoryPut bool) error {
	if !types.IsRootPath(key) {
		return nil
	}
	switch method {
	case "PUT":
		if directoryPut {
			return nil
		}
	case "GET", "HEAD", "OPTIONS":
		return nil
	}
	return errors.NewRootDirectory(method, key)
}

// EnsureNotDirectory rejects an object PUT over an existing directory,
// unless the request is a pure metadata update.
func (e *Envelope) EnsureNotDirectory(entry *Entry, metadataUpdate bool) error {
	if entry.MD.IsDirectory() && !metadataUpdate {
		return errors.NewDirectoryOperation(entry.Key)
	}
	return nil
}

// EnsureParent requires the loaded parent to exist and be a directory.
// Root keys and keys whose parent is a root skip the check: roots always
// exist.
func (e *Envelope) EnsureParent(entry *Entry) error {
	parentKey := types.ParentOf(entry.Key)
	if types.IsRootPath(entry.Key) || types.IsRootPath(parentKey) {
		return nil
	}
	if !entry.ParentMD.Exists() {
		return errors.NewDirectoryDoesNotExist(parentKey)
	}
	if !entry.ParentMD.IsDirectory() {
		return errors.NewParentNotDirectory(parentKey)
	}
	return nil
}

// EnforceDirectoryCount rejects creation of a new entry in a directory
// already at the entry limit. It runs only for creations, never for
// overwrites.
func (e *Envelope) EnforceDirectoryCount(ctx context.Context, parentKey string) error {
	count, err := e.index.Count(ctx, parentKey)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("counting %s: %w", parentKey, err))
	}
	if count >= e.cfg.DirectoryLimit {
		return errors.NewDirectoryLimit(parentKey, e.cfg.DirectoryLimit)
	}
	return nil
}

// EnsureDirectoryEmpty probes the directory with a limit-1 unsorted
// listing; any hit rejects the delete.
func (e *Envelope) EnsureDirectoryEmpty(ctx context.Context, key string) error {
	children, err := e.index.List(ctx, key, ListOptions{Limit: 1, Sort: SortNone})
	if err != nil {
		return errors.NewInternal(fmt.Errorf("probing %s: %w", key, err))
	}
	if len(children) > 0 {
		return errors.NewDirectoryNotEmpty(key)
	}
	return nil
}

// ============================================================================
// Commits
// ============================================================================

// Commit writes md through the index, translating a lost etag race into
// the public ConcurrentRequestError. Unconditional commits may be
// retried once by the index transparently; conditional ones must not be.
func (e *Envelope) Commit(ctx context.Context, md *types.ObjectMetadata, cond *Condition) (string, error) {
	etag, err := e.index.Put(ctx, md, cond)
	if err != nil {
		return "", translateIndexError(err, md.Key)
	}
	return etag, nil
}

// Remove deletes the record at key with conditional semantics.
func (e *Envelope) Remove(ctx context.Context, key string, cond *Condition) error {
	if err := e.index.Delete(ctx, key, cond); err != nil {
		return translateIndexError(err, key)
	}
	return nil
}

func translateIndexError(err error, key string) error {
	switch {
	case stderrors.Is(err, ErrEtagConflict):
		return errors.NewConcurrentRequest(key)
	case stderrors.Is(err, ErrNotFound):
		return errors.NewResourceNotFound(key)
	default:
		return errors.NewInternal(fmt.Errorf("index write for %s: %w", key, err))
	}
}

// ResolveRoles maps explicit role names to ids. Unknown names fail with
// InvalidRoleTag.
func (e *Envelope) ResolveRoles(ctx context.Context, account string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if e.roles == nil {
		return nil, errors.NewInvalidRoleTag(strings.Join(names, ","))
	}
	ids, err := e.roles.ResolveRoles(ctx, account, names)
	if err != nil {
		return nil, errors.NewInvalidRoleTag(strings.Join(names, ",")).WithCause(err)
	}
	return ids, nil
}
