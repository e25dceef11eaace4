// Package durable provides a position-tracking cursor over a MongoDB
// collection that survives replica-set failovers. When iteration fails with
// a transient error, the cursor re-issues its query at the offset of the
// last delivered document instead of failing the whole iteration, so a
// consumer sees each matching document exactly once provided the collection
// is stable and the sort order deterministic.
package durable

import (
	"context"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agentuity/go-mongoproxy/failure"
)

const (
	// DefaultMaxReconnectTime bounds how long a single outage may last
	// before iteration gives up.
	DefaultMaxReconnectTime = 60 * time.Second

	// DefaultReconnectInterval is the first sleep between rebuild attempts;
	// it doubles per attempt up to maxSleep.
	DefaultReconnectInterval = time.Second

	maxSleep = 5 * time.Second
)

// ErrReconnectFailed is surfaced when the reconnect budget is exhausted
// without resuming iteration. It is distinct from the underlying database
// error so callers can tell "gave up resuming" apart from "server rejected
// the query".
var ErrReconnectFailed = errors.New("durable: reconnect budget exhausted")

// RawCursor is the forward-only result iterator consumed from the driver.
// *mongo.Cursor satisfies it.
type RawCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
	ID() int64
}

var _ RawCursor = (*mongo.Cursor)(nil)

// Collection is the query-capable handle a Cursor is built from. The handle
// is borrowed, not owned.
type Collection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (RawCursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// WrapCollection adapts a driver collection to the Collection interface.
func WrapCollection(coll *mongo.Collection) Collection {
	return mongoCollection{coll}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (m mongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (RawCursor, error) {
	return m.coll.Find(ctx, filter, opts...)
}

func (m mongoCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	return m.coll.CountDocuments(ctx, filter, opts...)
}

type config struct {
	filter       interface{}
	projection   interface{}
	sort         interface{}
	hint         interface{}
	tailable     bool
	skip         int64
	limit        int64
	batchSize    int32
	maxReconnect time.Duration
	interval     time.Duration
	log          logger.Logger
}

// Option configures a Cursor at construction.
type Option func(*config)

// WithFilter sets the query filter. Defaults to an empty filter.
func WithFilter(filter interface{}) Option {
	return func(c *config) { c.filter = filter }
}

// WithProjection sets the query projection.
func WithProjection(projection interface{}) Option {
	return func(c *config) { c.projection = projection }
}

// WithSort sets the sort order. Provide one whenever results must be stable
// across a rebuild: without a deterministic sort, offset-based resumption
// cannot guarantee a gap-free, duplicate-free stream.
func WithSort(sort interface{}) Option {
	return func(c *config) { c.sort = sort }
}

// WithHint forces an index for the query and every rebuild of it.
func WithHint(hint interface{}) Option {
	return func(c *config) { c.hint = hint }
}

// WithTailable makes the cursor tailable with await semantics.
func WithTailable() Option {
	return func(c *config) { c.tailable = true }
}

// WithSkip sets the starting offset.
func WithSkip(skip int64) Option {
	return func(c *config) { c.skip = skip }
}

// WithLimit caps the total number of documents delivered. Zero means
// unbounded.
func WithLimit(limit int64) Option {
	return func(c *config) { c.limit = limit }
}

// WithBatchSize sets the server batch size per fetch.
func WithBatchSize(size int32) Option {
	return func(c *config) { c.batchSize = size }
}

// WithMaxReconnectTime bounds the time spent resuming after a failure.
func WithMaxReconnectTime(d time.Duration) Option {
	return func(c *config) { c.maxReconnect = d }
}

// WithReconnectInterval sets the initial sleep between rebuild attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithLogger sets the logger used for recovery events.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Cursor is a resumable iterator over a query result stream. The query
// parameters are immutable for its lifetime; the live underlying cursor is
// replaced wholesale on every reconnect. Cursor is not safe for concurrent
// use.
type Cursor struct {
	coll    Collection
	cfg     config
	log     logger.Logger
	counter int64 // absolute position already delivered, starts at skip
	cur     RawCursor
	err     error
	closed  bool
}

// NewCursor issues the first query immediately. If that first issue fails
// with a transient error, it is retried under the same reconnect budget as
// mid-stream recovery.
func NewCursor(ctx context.Context, coll Collection, opts ...Option) (*Cursor, error) {
	cfg := config{
		filter:       bson.D{},
		maxReconnect: DefaultMaxReconnectTime,
		interval:     DefaultReconnectInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.skip < 0 {
		return nil, errors.Newf("durable: skip must be >= 0, got %d", cfg.skip)
	}
	if cfg.limit < 0 {
		return nil, errors.Newf("durable: limit must be >= 0, got %d", cfg.limit)
	}
	if cfg.log == nil {
		cfg.log = logger.NewConsoleLogger(logger.LevelInfo)
	}

	c := &Cursor{
		coll:    coll,
		cfg:     cfg,
		log:     cfg.log.With(map[string]interface{}{"cursor": uuid.NewString()}),
		counter: cfg.skip,
	}
	if err := c.fetchCursor(ctx); err != nil {
		if !failure.Retryable(err) {
			return nil, err
		}
		c.log.Warn("initial query failed, entering recovery: %s", err)
		if !c.recover(ctx, false) && c.err != nil {
			return nil, c.err
		}
	}
	return c, nil
}

// Next advances to the next document. It returns false when the stream is
// exhausted, the cursor is closed, or an unrecoverable error occurred; Err
// distinguishes the cases.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.cur.Next(ctx) {
		c.counter++
		return true
	}
	err := c.cur.Err()
	if err == nil {
		// Legitimately exhausted; not a failure.
		return false
	}
	if !failure.Retryable(err) {
		c.err = err
		return false
	}
	c.log.Warn("iteration failed at position %d (%s), rebuilding query: %s",
		c.counter, failure.Classify(err), err)
	return c.recover(ctx, true)
}

// Decode unmarshals the current document into val.
func (c *Cursor) Decode(val interface{}) error {
	return c.cur.Decode(val)
}

// Err returns the error that stopped iteration, if any. A reconnect budget
// exhaustion satisfies errors.Is(err, ErrReconnectFailed).
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the live underlying cursor.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cur.Close(ctx)
}

// Alive reports whether a tailable cursor may yield further documents.
func (c *Cursor) Alive() bool {
	return c.cfg.tailable && !c.closed && c.cur.ID() != 0
}

// Position returns the absolute offset already delivered to the caller.
func (c *Cursor) Position() int64 {
	return c.counter
}

// Count re-runs the query as a count. When withSkipAndLimit is true the
// original skip and limit bound the result, mirroring the query the cursor
// was built with; otherwise all matching documents are counted.
func (c *Cursor) Count(ctx context.Context, withSkipAndLimit bool) (int64, error) {
	opts := options.Count()
	if withSkipAndLimit {
		if c.cfg.skip > 0 {
			opts.SetSkip(c.cfg.skip)
		}
		if c.cfg.limit > 0 {
			opts.SetLimit(c.cfg.limit)
		}
	}
	return c.coll.CountDocuments(ctx, c.cfg.filter, opts)
}

// fetchCursor issues the query at the current counter and swaps it in as
// the live cursor. With a limit, the remaining window shrinks by what has
// already been delivered; once the window is empty a single-document
// sentinel query is issued and its result discarded, yielding a correctly
// empty continuation.
func (c *Cursor) fetchCursor(ctx context.Context) error {
	findOpts := options.Find().SetSkip(c.counter)

	sentinel := false
	if c.cfg.limit > 0 {
		remaining := c.cfg.limit - (c.counter - c.cfg.skip)
		if remaining <= 0 {
			remaining = 1
			sentinel = true
		}
		findOpts.SetLimit(remaining)
	}
	if c.cfg.projection != nil {
		findOpts.SetProjection(c.cfg.projection)
	}
	if c.cfg.sort != nil {
		findOpts.SetSort(c.cfg.sort)
	}
	if c.cfg.hint != nil {
		findOpts.SetHint(c.cfg.hint)
	}
	if c.cfg.batchSize > 0 {
		findOpts.SetBatchSize(c.cfg.batchSize)
	}
	if c.cfg.tailable {
		findOpts.SetCursorType(options.TailableAwait)
	} else {
		findOpts.SetCursorType(options.NonTailable)
	}

	cur, err := c.coll.Find(ctx, c.cfg.filter, findOpts)
	if err != nil {
		return err
	}
	if sentinel {
		if !cur.Next(ctx) {
			if nerr := cur.Err(); nerr != nil {
				_ = cur.Close(ctx)
				return nerr
			}
		}
	}
	if c.cur != nil {
		_ = c.cur.Close(ctx)
	}
	c.cur = cur
	return nil
}

// recover rebuilds the query at the current counter until an attempt
// succeeds or the reconnect budget runs out. When pull is true it also
// delivers the next document from the rebuilt cursor.
func (c *Cursor) recover(ctx context.Context, pull bool) bool {
	start := time.Now()
	interval := c.cfg.interval

	for {
		err := c.fetchCursor(ctx)
		if err == nil {
			if !pull {
				return true
			}
			if c.cur.Next(ctx) {
				c.counter++
				c.log.Debug("resumed at position %d", c.counter)
				return true
			}
			if err = c.cur.Err(); err == nil {
				return false
			}
		}
		if !failure.Retryable(err) {
			c.err = err
			return false
		}
		if time.Since(start) > c.cfg.maxReconnect {
			c.log.Error("reconnect budget exhausted after %s", c.cfg.maxReconnect)
			c.err = errors.Wrapf(ErrReconnectFailed, "no progress within %s (last failure: %v)",
				c.cfg.maxReconnect, err)
			return false
		}
		c.log.Warn("rebuild at position %d failed (%s), sleeping %s: %s",
			c.counter, failure.Classify(err), interval, err)
		if serr := sleepCtx(ctx, interval); serr != nil {
			c.err = serr
			return false
		}
		if interval *= 2; interval > maxSleep {
			interval = maxSleep
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
