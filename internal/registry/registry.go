// Package registry implements the consistency rules of the module registry on top of the stores:
// publishing and replacing versions, keeping each module's version count and latest pointer in
// step with its version rows, cascading removals, and the read operations used by the CLI and the
// server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ronnin/oldman-club/internal/lock"
	"github.com/ronnin/oldman-club/internal/store"
)

// Logger defines the required behavior for the service's logger.  This type is defined here so that
// the service is not tied to any specific logging library.
type Logger interface {
	// Info generates a log entry at INFO level with the specified message and key/value attributes
	Info(msg string, kvs ...any)
	// Debug generates a log entry at DEBUG level with the specified message and key/value attributes
	Debug(msg string, kvs ...any)
	// Error generates a log entry at ERROR level with the specified error, message, and key/value attributes
	Error(err error, msg string, kvs ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) { /* no-op */ }

func (nopLogger) Debug(string, ...any) { /* no-op */ }

func (nopLogger) Error(error, string, ...any) { /* no-op */ }

// Service sequences the store operations that make up each registry operation.  Every mutation of a
// module, its versions, or their dependency edges holds the lock for the module's identity key so
// that compound operations on the same module never interleave.
type Service struct {
	store   store.Store
	locker  lock.Locker
	log     Logger
	now     func() time.Time
	meter   metric.Meter
	metrics *metrics
}

// Option defines a configuration option to be used when constructing a [Service].
type Option func(*Service) error

// WithLogger attaches the provided logger.
func WithLogger(l Logger) Option {
	return func(s *Service) error {
		if l == nil {
			l = nopLogger{}
		}
		s.log = l
		return nil
	}
}

// WithLocker overrides the default in-process locker, ex: with a [lock.Redis] when several registry
// processes share one database.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) error {
		if l == nil {
			return errors.New("locker must not be nil")
		}
		s.locker = l
		return nil
	}
}

// WithMeter sets the OpenTelemetry meter used to record operation counts and durations.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) error {
		if m != nil {
			s.meter = m
		}
		return nil
	}
}

// WithClock overrides the source of the creation time recorded for versions published without one.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// New constructs a registry service over the provided store.
func New(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	s := &Service{
		store:  st,
		locker: lock.NewLocal(),
		log:    nopLogger{},
		now:    time.Now,
		meter:  noop.NewMeterProvider().Meter(meterName),
	}
	for _, fn := range opts {
		if err := fn(s); err != nil {
			return nil, fmt.Errorf("could not apply registry option: %w", err)
		}
	}
	m, err := newMetrics(s.meter)
	if err != nil {
		return nil, fmt.Errorf("could not create registry metrics: %w", err)
	}
	s.metrics = m
	return s, nil
}

// ModuleRef identifies a module.
type ModuleRef struct {
	Family string `json:"family"`
	Name   string `json:"name"`
}

// Key returns the identity key of the module.
func (r ModuleRef) Key() store.Key {
	return store.ModuleKey(r.Family, r.Name)
}

func (r ModuleRef) String() string {
	return r.Key().String()
}

// VersionRef identifies a version of a module.
type VersionRef struct {
	Family  string `json:"family"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Key returns the identity key of the version.
func (r VersionRef) Key() store.Key {
	return store.VersionKey(r.Family, r.Name, r.Version)
}

// Module returns the reference to the module that owns the version.
func (r VersionRef) Module() ModuleRef {
	return ModuleRef{Family: r.Family, Name: r.Name}
}

func (r VersionRef) String() string {
	return r.Key().String()
}

// RefOf converts a parsed identity key into a version reference.
func RefOf(k store.Key) VersionRef {
	return VersionRef{Family: k.Family, Name: k.Name, Version: k.Version}
}

// CreateVersionRequest is the input to [Service.CreateOrReplaceVersion].  If Force is set an existing
// version with the same identifier is replaced, otherwise it is a conflict.
type CreateVersionRequest struct {
	VersionRef
	Meta  store.VersionMeta
	Force bool
}

// LinkRequest is the input to [Service.Link], recording that Master depends on Dependant.
type LinkRequest struct {
	Master    VersionRef
	Dependant VersionRef
}

// RenameModuleRequest is the input to [Service.RenameModule].
type RenameModuleRequest struct {
	From ModuleRef
	To   ModuleRef
}

// SearchRequest is the input to [Service.Search] and [Service.SearchPage].  Family and Name are glob
// or LIKE patterns, see [store.ModuleQuery].  OrderBy holds order keys in the syntax accepted by
// [ParseOrderKeys].
type SearchRequest struct {
	Family          string
	Name            string
	OrderBy         []string
	IncludeVersions bool
}

// ModuleDetail is a module along with its latest version.  Versions is only populated by searches
// that request it and Version only by searches ordered by version columns.
type ModuleDetail struct {
	Module   store.Module    `json:"module"`
	Latest   *store.Version  `json:"latest,omitempty"`
	Version  *store.Version  `json:"version,omitempty"`
	Versions []store.Version `json:"versions,omitempty"`
}

// validateVersion checks a version key, which unlike a module key must carry a version.
func validateVersion(op string, ref VersionRef) error {
	k := ref.Key()
	if ref.Version == "" {
		return store.NewError(store.ErrValidation, op, k.String(), errors.New("version is required"))
	}
	if err := k.Validate(); err != nil {
		return err
	}
	return nil
}

// lockModules acquires the locks for the specified modules in a consistent order, so that operations
// spanning two modules can't deadlock against each other.
func (s *Service) lockModules(ctx context.Context, refs ...ModuleRef) (func(), error) {
	keys := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		k := r.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, store.NewError(store.ErrPersistence, "lock", k, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
