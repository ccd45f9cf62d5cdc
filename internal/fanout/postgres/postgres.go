// Package postgres implements the fanout channel on PostgreSQL LISTEN/NOTIFY.
//
// Records small enough for a NOTIFY payload travel inline. Larger records are
// written to an attachments table and the notification only carries the row
// id; subscribers fetch the row. Attachments are deleted by a periodic cleanup
// once they are older than the cleanup interval.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/syncrelay/internal/fanout"
)

const (
	DefaultChannel          = "sync_relay"
	DefaultTable            = "relay_attachments"
	DefaultPayloadThreshold = 8000
	DefaultCleanupInterval  = 30 * time.Second

	// MaxNotifyPayload is the server's NOTIFY payload limit. Payloads must be
	// strictly shorter than this.
	MaxNotifyPayload = 8000
)

// Config controls a Channel.
type Config struct {
	// Channel is the NOTIFY channel name.
	Channel string
	// Table holds payloads that exceed PayloadThreshold.
	Table string
	// PayloadThreshold is the encoded size at which a record goes to the
	// attachments table instead of inline. Values above MaxNotifyPayload are
	// capped.
	PayloadThreshold int
	// CleanupInterval is both the cleanup period and the attachment TTL.
	CleanupInterval time.Duration
	Logger          zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.PayloadThreshold <= 0 {
		c.PayloadThreshold = DefaultPayloadThreshold
	}
	if c.PayloadThreshold > MaxNotifyPayload {
		c.PayloadThreshold = MaxNotifyPayload
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Channel implements fanout.Channel. The pool is borrowed, not owned: Close
// leaves it open for the caller to close afterwards.
type Channel struct {
	pool   *pgxpool.Pool
	cfg    Config
	log    zerolog.Logger
	table  string
	listen string

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	subs      sync.WaitGroup
	cleanup   sync.WaitGroup
}

var _ fanout.Channel = (*Channel)(nil)

// New prepares the attachments table and starts the cleanup loop.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	c := &Channel{
		pool:   pool,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "fanout.postgres").Logger(),
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		listen: pgx.Identifier{cfg.Channel}.Sanitize(),
		closed: make(chan struct{}),
	}

	if err := c.setup(ctx); err != nil {
		return nil, err
	}

	c.cleanup.Add(1)
	go c.cleanupLoop()

	return c, nil
}

func (c *Channel) setup(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		payload BYTEA NOT NULL
	)`, c.table)
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create attachments table %s: %w", c.cfg.Table, err)
	}
	return nil
}

func (c *Channel) inline(data []byte) bool {
	return len(data) < c.cfg.PayloadThreshold
}

// Publish implements fanout.Channel.
func (c *Channel) Publish(ctx context.Context, rec fanout.Record) error {
	if c.isClosed() {
		return fanout.ErrClosed
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}

	payload := data
	if !c.inline(data) {
		var id int64
		query := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1) RETURNING id`, c.table)
		if err := c.pool.QueryRow(ctx, query, data).Scan(&id); err != nil {
			return fmt.Errorf("store attachment for record %s: %w", rec.ID, err)
		}
		if payload, err = encodeAttachmentRef(id, rec.Origin); err != nil {
			return err
		}
	}

	if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.cfg.Channel, string(payload)); err != nil {
		return fmt.Errorf("notify record %s: %w", rec.ID, err)
	}
	return nil
}

// Subscribe implements fanout.Channel. It holds one pooled connection for as
// long as it runs.
func (c *Channel) Subscribe(ctx context.Context, handler fanout.Handler) error {
	if !c.enter() {
		return fanout.ErrClosed
	}
	defer c.subs.Done()

	ctx, cancel := c.bind(ctx)
	defer cancel()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return c.subscribeErr(ctx, fmt.Errorf("acquire listener connection: %w", err))
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+c.listen); err != nil {
		return c.subscribeErr(ctx, fmt.Errorf("listen on %s: %w", c.cfg.Channel, err))
	}
	defer c.unlisten(conn)

	c.log.Debug().Str("channel", c.cfg.Channel).Msg("listening for records")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return c.subscribeErr(ctx, fmt.Errorf("wait for notification: %w", err))
		}

		rec, err := c.resolve(ctx, []byte(n.Payload))
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping unreadable record")
			continue
		}

		if err := handler(ctx, rec); err != nil {
			return err
		}
	}
}

// resolve turns a notification payload into a record, fetching the
// attachment row when the payload is a reference.
func (c *Channel) resolve(ctx context.Context, payload []byte) (fanout.Record, error) {
	id, ok := decodeAttachmentRef(payload)
	if !ok {
		return fanout.Decode(payload)
	}

	var data []byte
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, c.table)
	if err := c.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fanout.Record{}, fmt.Errorf("attachment %d already cleaned up", id)
		}
		return fanout.Record{}, fmt.Errorf("fetch attachment %d: %w", id, err)
	}
	return fanout.Decode(data)
}

func (c *Channel) unlisten(conn *pgxpool.Conn) {
	if conn.Conn().IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+c.listen); err != nil {
		c.log.Debug().Err(err).Msg("unlisten failed")
	}
}

// subscribeErr reports ErrClosed or the context error when err is only the
// consequence of shutdown.
func (c *Channel) subscribeErr(ctx context.Context, err error) error {
	if c.isClosed() {
		return fanout.ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Channel) cleanupLoop() {
	defer c.cleanup.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupInterval)
			removed, err := c.deleteExpired(ctx, time.Now().Add(-c.cfg.CleanupInterval))
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("attachment cleanup failed")
				continue
			}
			if removed > 0 {
				c.log.Debug().Int64("removed", removed).Msg("expired attachments removed")
			}
		}
	}
}

func (c *Channel) deleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, c.table)
	tag, err := c.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired attachments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *Channel) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return false
	}
	c.subs.Add(1)
	return true
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// bind derives a context that is also cancelled when the channel closes.
func (c *Channel) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Close implements fanout.Channel. It stops the cleanup loop and waits for
// subscriptions to hand their connections back to the pool.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
	})
	c.subs.Wait()
	c.cleanup.Wait()
	return nil
}

type attachmentRef struct {
	Attachment int64  `json:"attachment"`
	Origin     string `json:"origin"`
}

func encodeAttachmentRef(id int64, origin string) ([]byte, error) {
	b, err := json.Marshal(attachmentRef{Attachment: id, Origin: origin})
	if err != nil {
		return nil, fmt.Errorf("encode attachment reference: %w", err)
	}
	return b, nil
}

func decodeAttachmentRef(payload []byte) (int64, bool) {
	var ref attachmentRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.Attachment <= 0 {
		return 0, false
	}
	return ref.Attachment, true
}
