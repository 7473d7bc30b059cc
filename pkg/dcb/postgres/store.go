// Package postgres provides the relational Storage backend: an append-log
// table with text[] tags, single-statement conditional appends and
// trigger-driven LISTEN/NOTIFY notifications.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]+_$`)

// Config contains configuration for the postgres store.
type Config struct {
	// TablePrefix isolates multiple stores in one schema. Must match
	// [A-Za-z0-9_]+_ and be at most 32 characters; empty means none.
	TablePrefix string

	// AbsoluteMaxResults caps the result set of a single query. Zero means
	// unlimited.
	AbsoluteMaxResults int

	// QueryTimeout and AppendTimeout bound operations without a caller
	// deadline, in milliseconds.
	QueryTimeout  int
	AppendTimeout int

	Logger logrus.FieldLogger
}

// Store is the postgres dcb.Storage implementation. It does not own the
// pool: callers create and close it, as with the rest of the pgx ecosystem.
type Store struct {
	pool   *pgxpool.Pool
	config Config
	log    logrus.FieldLogger

	// lockKey scopes the advisory lock that serializes conditional appends
	// of one store (one table prefix) against each other.
	lockKey int64

	mu           sync.Mutex
	listeners    []listenerEntry
	nextListener int
	closed       bool

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

type listenerEntry struct {
	id       int
	listener dcb.StorageListener
}

type rowToInsert struct {
	id             string
	eventType      string
	data           *string
	erasableData   *string
	tags           []string
	idempotencyKey *string
}

// NewStore creates a postgres store over an existing connection pool and
// starts the notification listener.
func NewStore(ctx context.Context, pool *pgxpool.Pool, config Config) (*Store, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "newStore", Err: fmt.Errorf("pool cannot be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	if config.TablePrefix != "" && (len(config.TablePrefix) > 32 || !tablePrefixPattern.MatchString(config.TablePrefix)) {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "newStore", Err: fmt.Errorf("invalid table prefix %q", config.TablePrefix)},
			Field:           "tablePrefix",
			Value:           config.TablePrefix,
		}
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 15000
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = 10000
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "newStore", Err: fmt.Errorf("unable to connect to database: %w", err)},
			Resource:        "database",
		}
	}

	hash := fnv.New64a()
	hash.Write([]byte("eventstore:" + config.TablePrefix))
	s := &Store{
		pool:       pool,
		config:     config,
		log:        config.Logger,
		lockKey:    int64(hash.Sum64()),
		listenDone: make(chan struct{}),
	}

	listenCtx, listenCancel := context.WithCancel(context.Background())
	s.listenCancel = listenCancel
	go s.listen(listenCtx)
	return s, nil
}

func (s *Store) table(name string) string {
	return s.config.TablePrefix + name
}

// channel returns a prefixed notification channel name.
func (s *Store) channel(name string) string {
	return s.config.TablePrefix + name
}

// AbsoluteMaxResults implements dcb.Storage.
func (s *Store) AbsoluteMaxResults() int { return s.config.AbsoluteMaxResults }

// withTimeout applies the configured default timeout when the caller set no
// deadline of its own.
func (s *Store) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// =============================================================================
// Reads
// =============================================================================

// Query implements dcb.Storage.
func (s *Store) Query(ctx context.Context, query dcb.Query, stream dcb.StreamID, opts dcb.ReadOptions) (dcb.StoredEventIterator, error) {
	if s.isClosed() {
		return nil, closedErr("query")
	}

	sqlQuery, args := s.buildReadSQL(query, stream, opts)
	queryCtx, cancel := s.withTimeout(ctx, s.config.QueryTimeout)
	rows, err := s.pool.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		cancel()
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "query", Err: fmt.Errorf("failed to execute read query: %w", err)},
			Resource:        "database",
		}
	}
	return &rowIterator{rows: rows, cancel: cancel}, nil
}

// rowIterator adapts pgx rows to the storage iterator contract.
type rowIterator struct {
	rows    pgx.Rows
	cancel  context.CancelFunc
	current dcb.StoredEvent
	err     error
}

func (it *rowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	event, err := scanStoredEvent(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.current = event
	return true
}

func (it *rowIterator) Event() dcb.StoredEvent { return it.current }
func (it *rowIterator) Err() error             { return it.err }

func (it *rowIterator) Close() error {
	it.rows.Close()
	it.cancel()
	return it.rows.Err()
}

func scanStoredEvent(rows pgx.Rows) (dcb.StoredEvent, error) {
	var row struct {
		ID            string
		StreamContext string
		StreamPurpose string
		Type          string
		Data          []byte
		ErasableData  []byte
		Tags          []string
		Position      int64
		TransactionID uint64
		OccurredAt    time.Time
	}
	if err := rows.Scan(&row.ID, &row.StreamContext, &row.StreamPurpose, &row.Type, &row.Data, &row.ErasableData, &row.Tags, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
		return dcb.StoredEvent{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "query", Err: fmt.Errorf("failed to scan event row: %w", err)},
			Resource:        "database",
		}
	}
	return dcb.StoredEvent{
		Stream:       dcb.NewStreamID(row.StreamContext, row.StreamPurpose),
		Type:         row.Type,
		Ref:          dcb.NewEventReference(row.ID, row.Position, row.TransactionID),
		Data:         row.Data,
		ErasableData: row.ErasableData,
		Tags:         dcb.ParseTags(row.Tags),
		OccurredAt:   row.OccurredAt,
	}, nil
}

// GetEventByID implements dcb.Storage.
func (s *Store) GetEventByID(ctx context.Context, id string) (dcb.StoredEvent, bool, error) {
	if s.isClosed() {
		return dcb.StoredEvent{}, false, closedErr("getEventByID")
	}
	queryCtx, cancel := s.withTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx,
		"SELECT id, stream_context, stream_purpose, type, data, erasable_data, tags, position, transaction_id, occurred_at FROM "+
			s.table("events")+" WHERE id = $1::uuid", id)
	if err != nil {
		return dcb.StoredEvent{}, false, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "getEventByID", Err: err},
			Resource:        "database",
		}
	}
	defer rows.Close()
	if !rows.Next() {
		return dcb.StoredEvent{}, false, rows.Err()
	}
	event, err := scanStoredEvent(rows)
	if err != nil {
		return dcb.StoredEvent{}, false, err
	}
	return event, true, nil
}

// =============================================================================
// Appends
// =============================================================================

// Append implements dcb.Storage. The condition check and the insert are a
// single SQL statement, and conditional appends additionally serialize on a
// transaction-scoped advisory lock so overlapping criteria are linearized.
func (s *Store) Append(ctx context.Context, stream dcb.StreamID, events []dcb.EventToStore, condition dcb.AppendCondition) ([]dcb.StoredEvent, error) {
	if s.isClosed() {
		return nil, closedErr("append")
	}
	if len(events) == 0 {
		return nil, &dcb.BatchError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("events must not be empty")},
			Size:            0,
		}
	}

	appendCtx, cancel := s.withTimeout(ctx, s.config.AppendTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(appendCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to begin transaction: %w", err)},
			Resource:        "database",
		}
	}
	defer tx.Rollback(appendCtx)

	if !condition.IsUnconditional() {
		if _, err := tx.Exec(appendCtx, "SELECT pg_advisory_xact_lock($1)", s.lockKey); err != nil {
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to acquire append lock: %w", err)},
				Resource:        "database",
			}
		}
	}

	// Idempotent replay before anything is written.
	if len(events) == 1 && events[0].IdempotencyKey != "" {
		existing, found, err := s.findByIdempotencyKey(appendCtx, tx, stream, events[0].IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if found {
			return existing, nil
		}
	}

	rowsToInsert := make([]rowToInsert, len(events))
	for i, e := range events {
		rowsToInsert[i] = rowToInsert{
			id:             uuid.NewString(),
			eventType:      e.Type,
			data:           jsonArg(e.Data),
			erasableData:   jsonArg(e.ErasableData),
			tags:           e.Tags.Strings(),
			idempotencyKey: textArg(e.IdempotencyKey),
		}
	}

	sqlInsert, args := s.buildAppendSQL(stream, rowsToInsert, condition)
	rows, err := tx.Query(appendCtx, sqlInsert, args...)
	if err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to append events: %w", err)},
			Resource:        "database",
		}
	}

	type returned struct {
		id            string
		position      int64
		transactionID uint64
		occurredAt    time.Time
	}
	var inserted []returned
	for rows.Next() {
		var r returned
		if err := rows.Scan(&r.id, &r.position, &r.transactionID, &r.occurredAt); err != nil {
			rows.Close()
			return nil, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to scan append result: %w", err)},
				Resource:        "database",
			}
		}
		inserted = append(inserted, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: err},
			Resource:        "database",
		}
	}

	// A shortfall means the NOT EXISTS guard failed: the whole batch is
	// rejected and the transaction rolls back.
	if len(inserted) < len(events) {
		return nil, &dcb.ConcurrencyError{
			EventStoreError: dcb.EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("append condition violated: newer matching events exist"),
			},
			Query: condition.FailIfEventsMatch,
			After: condition.After,
		}
	}

	if err := tx.Commit(appendCtx); err != nil {
		return nil, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to commit transaction: %w", err)},
			Resource:        "database",
		}
	}

	stored := make([]dcb.StoredEvent, len(events))
	for i, e := range events {
		stored[i] = dcb.StoredEvent{
			Stream:       stream,
			Type:         e.Type,
			Ref:          dcb.NewEventReference(inserted[i].id, inserted[i].position, inserted[i].transactionID),
			Data:         e.Data,
			ErasableData: e.ErasableData,
			Tags:         e.Tags,
			OccurredAt:   inserted[i].occurredAt,
		}
	}
	return stored, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, tx pgx.Tx, stream dcb.StreamID, key string) ([]dcb.StoredEvent, bool, error) {
	rows, err := tx.Query(ctx,
		"SELECT id, stream_context, stream_purpose, type, data, erasable_data, tags, position, transaction_id, occurred_at FROM "+
			s.table("events")+" WHERE stream_context = $1 AND stream_purpose = $2 AND idempotency_key = $3 ORDER BY position ASC",
		stream.Context, stream.Purpose, key)
	if err != nil {
		return nil, false, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("failed to check idempotency key: %w", err)},
			Resource:        "database",
		}
	}
	defer rows.Close()

	var existing []dcb.StoredEvent
	for rows.Next() {
		event, err := scanStoredEvent(rows)
		if err != nil {
			return nil, false, err
		}
		existing = append(existing, event)
	}
	if err := rows.Err(); err != nil {
		return nil, false, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: err},
			Resource:        "database",
		}
	}
	return existing, len(existing) > 0, nil
}

// =============================================================================
// Bookmarks
// =============================================================================

// PutBookmark implements dcb.Storage.
func (s *Store) PutBookmark(ctx context.Context, reader string, ref dcb.EventReference, tags dcb.Tags) error {
	if s.isClosed() {
		return closedErr("putBookmark")
	}
	if reader == "" {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "putBookmark", Err: fmt.Errorf("reader must not be empty")},
			Field:           "reader",
			Value:           "empty",
		}
	}
	queryCtx, cancel := s.withTimeout(ctx, s.config.AppendTimeout)
	defer cancel()

	_, err := s.pool.Exec(queryCtx,
		"INSERT INTO "+s.table("bookmarks")+" (reader, position, id, updated_at, updated_tags) VALUES ($1, $2, $3::uuid, now(), $4::text[]) "+
			"ON CONFLICT (reader) DO UPDATE SET position = EXCLUDED.position, id = EXCLUDED.id, updated_at = now(), updated_tags = EXCLUDED.updated_tags",
		reader, ref.Position, ref.ID, tags.Strings())
	if err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "putBookmark", Err: err},
			Resource:        "database",
		}
	}
	return nil
}

// GetBookmark implements dcb.Storage. The transaction id of the reference
// comes from the referenced event; when the join finds none, it degrades to
// the position.
func (s *Store) GetBookmark(ctx context.Context, reader string) (dcb.Bookmark, bool, error) {
	if s.isClosed() {
		return dcb.Bookmark{}, false, closedErr("getBookmark")
	}
	queryCtx, cancel := s.withTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx,
		"SELECT b.position, b.id, b.updated_at, b.updated_tags, e.transaction_id FROM "+s.table("bookmarks")+" b "+
			"LEFT JOIN "+s.table("events")+" e ON e.id = b.id WHERE b.reader = $1", reader)
	if err != nil {
		return dcb.Bookmark{}, false, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "getBookmark", Err: err},
			Resource:        "database",
		}
	}
	defer rows.Close()
	if !rows.Next() {
		return dcb.Bookmark{}, false, rows.Err()
	}
	bookmark, err := scanBookmark(rows, reader)
	if err != nil {
		return dcb.Bookmark{}, false, err
	}
	return bookmark, true, nil
}

// RemoveBookmark implements dcb.Storage.
func (s *Store) RemoveBookmark(ctx context.Context, reader string) (dcb.Bookmark, bool, error) {
	if s.isClosed() {
		return dcb.Bookmark{}, false, closedErr("removeBookmark")
	}
	bookmark, found, err := s.GetBookmark(ctx, reader)
	if err != nil || !found {
		return dcb.Bookmark{}, false, err
	}

	queryCtx, cancel := s.withTimeout(ctx, s.config.AppendTimeout)
	defer cancel()
	if _, err := s.pool.Exec(queryCtx, "DELETE FROM "+s.table("bookmarks")+" WHERE reader = $1", reader); err != nil {
		return dcb.Bookmark{}, false, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "removeBookmark", Err: err},
			Resource:        "database",
		}
	}
	return bookmark, true, nil
}

func scanBookmark(rows pgx.Rows, reader string) (dcb.Bookmark, error) {
	var row struct {
		Position      int64
		ID            *string
		UpdatedAt     time.Time
		UpdatedTags   []string
		TransactionID *uint64
	}
	if err := rows.Scan(&row.Position, &row.ID, &row.UpdatedAt, &row.UpdatedTags, &row.TransactionID); err != nil {
		return dcb.Bookmark{}, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "getBookmark", Err: fmt.Errorf("failed to scan bookmark row: %w", err)},
			Resource:        "database",
		}
	}
	id := ""
	if row.ID != nil {
		id = *row.ID
	}
	transactionID := uint64(row.Position)
	if row.TransactionID != nil {
		transactionID = *row.TransactionID
	}
	return dcb.Bookmark{
		Reader:    reader,
		Ref:       dcb.NewEventReference(id, row.Position, transactionID),
		Tags:      dcb.ParseTags(row.UpdatedTags),
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Subscribe implements dcb.Storage.
func (s *Store) Subscribe(l dcb.StorageListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(append([]listenerEntry{}, s.listeners...), listenerEntry{id: id, listener: l})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make([]listenerEntry, 0, len(s.listeners))
		for _, entry := range s.listeners {
			if entry.id != id {
				next = append(next, entry)
			}
		}
		s.listeners = next
	}
}

// Stop implements dcb.Storage: stops the notification listener and refuses
// further operations. The pool stays open, the caller owns it.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.listenCancel()
	select {
	case <-s.listenDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jsonArg(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	v := string(data)
	return &v
}

func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func closedErr(op string) error {
	return &dcb.StoreClosedError{
		EventStoreError: dcb.EventStoreError{Op: op, Err: fmt.Errorf("store is stopped")},
	}
}
