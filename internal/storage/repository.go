package storage

import "context"

// Repository abstracts persistence for tracked files, directories, settings,
// the cached auth session and run history. Implementations must be safe for
// concurrent use.
type Repository interface {
	// InsertNewItems stores items whose path is not tracked yet and leaves
	// existing rows untouched. It returns the number of inserted items.
	InsertNewItems(ctx context.Context, items []WorkItem) (int, error)
	UpdateItem(ctx context.Context, item WorkItem) error
	DeleteItem(ctx context.Context, path string) error
	// ListItems returns items in insertion order.
	ListItems(ctx context.Context, filter ItemFilter) ([]WorkItem, error)

	SaveDirectory(ctx context.Context, dir Directory) error
	DeleteDirectory(ctx context.Context, path string) error
	// ListDirectories returns all directories when kind is empty.
	ListDirectories(ctx context.Context, kind JobKind) ([]Directory, error)

	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error

	// AuthSession returns ErrNotFound when no credential was stored.
	AuthSession(ctx context.Context) (AuthSession, error)
	SaveAuthSession(ctx context.Context, s AuthSession) error

	CreateRun(ctx context.Context, run JobRun) error
	// FinishRun sets the end date, sent count and log. It returns
	// ErrRunFinished when the run was already finalized.
	FinishRun(ctx context.Context, run JobRun) error
	// ListRuns returns runs newest first; kind may be empty, limit <= 0 means all.
	ListRuns(ctx context.Context, kind JobKind, limit int) ([]JobRun, error)

	Close() error
}
