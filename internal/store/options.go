package store

import "time"

// Option defines a configuration option to be used when constructing the database connection.
type Option func(*SQLStore) error

// Logger is the logging contract used by the store.  It is satisfied by the application's
// structured logger.
type Logger interface {
	Debug(string, ...any)
	Error(error, string, ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)        { /*no-op*/ }
func (nopLogger) Error(error, string, ...any) { /*no-op*/ }

// WithLog returns an Option that attaches the provided logger
func WithLog(l Logger) Option {
	return func(s *SQLStore) error {
		if l == nil {
			l = nopLogger{}
		}
		s.log = l
		return nil
	}
}

// WithPageSize returns an Option that sets the number of rows fetched per round trip by
// [SQLStore.SearchModules].
func WithPageSize(n int) Option {
	return func(s *SQLStore) error {
		if n < 1 {
			return NewError(ErrValidation, "configure store", "", errNonPositivePageSize)
		}
		s.pageSize = n
		return nil
	}
}

// WithClock returns an Option that overrides the source of the created/updated timestamps written
// to module rows.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}
