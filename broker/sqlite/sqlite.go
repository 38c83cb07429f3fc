package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jirevwe/peeklock/broker"
	"github.com/jirevwe/peeklock/packer"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"k8s.io/utils/clock"
)

const (
	DefaultLockDuration     = 30 * time.Second
	DefaultMaxDeliveryCount = 10

	// ReasonMaxDeliveryCountExceeded is the dead-letter reason used when a
	// message has been delivered more than the queue allows.
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

var (
	createQueues = `create table if not exists queues (
    		id TEXT not null primary key,
    		name TEXT not null unique,
    		lock_duration_ms INTEGER not null,
    		max_delivery_count INTEGER not null,
    		created_at TEXT not null default (strftime('%Y-%m-%dT%H:%M:%fZ'))
		) strict;`

	createMessages = `CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL PRIMARY KEY,
			message BLOB,
			queue_id TEXT NOT NULL,
			status TEXT not null default 'available',
			lock_token TEXT,
			locked_until TEXT,
			delivery_count INTEGER not null default 0,
			enqueued_at TEXT not null,
			FOREIGN KEY(queue_id) REFERENCES queues(name)
		) strict;`

	createLockTokenIndex = `CREATE UNIQUE INDEX IF NOT EXISTS messages_lock_token ON messages(lock_token);`

	createArchivedMessages = `CREATE TABLE IF NOT EXISTS archived_messages (
    		id TEXT NOT NULL PRIMARY KEY,
			message BLOB,
			queue_id TEXT NOT NULL,
			delivery_count INTEGER not null,
			enqueued_at TEXT not null,
			archived_at TEXT not null
		) strict;`

	createDeadLetters = `CREATE TABLE IF NOT EXISTS dead_letters (
    		id TEXT NOT NULL PRIMARY KEY,
			message BLOB,
			queue_id TEXT NOT NULL,
			delivery_count INTEGER not null,
			reason TEXT not null,
			description TEXT not null,
			enqueued_at TEXT not null,
			dead_lettered_at TEXT not null
		) strict;`
)

const (
	statusAvailable = "available"
	statusLocked    = "locked"
)

// Config configures a queue backed by a sqlite database.
type Config struct {
	DBPath string
	Queue  string

	// LockDuration is how long a receive or renewal locks a message for.
	LockDuration time.Duration

	// MaxDeliveryCount is the number of deliveries after which a message is
	// dead-lettered instead of delivered again.
	MaxDeliveryCount int

	Clock  clock.PassiveClock
	Logger *slog.Logger
}

// Sqlite is a broker.Broker for a single queue.
type Sqlite struct {
	logger           *slog.Logger
	db               *sqlx.DB
	clock            clock.PassiveClock
	queue            string
	lockDuration     time.Duration
	maxDeliveryCount int
}

var _ broker.Broker = (*Sqlite)(nil)

type messageRow struct {
	Id            string         `db:"id"`
	Message       []byte         `db:"message"`
	QueueId       string         `db:"queue_id"`
	Status        string         `db:"status"`
	LockToken     sql.NullString `db:"lock_token"`
	LockedUntil   sql.NullString `db:"locked_until"`
	DeliveryCount int            `db:"delivery_count"`
	EnqueuedAt    string         `db:"enqueued_at"`
}

// DeadLetter is a message moved to the dead-letter table.
type DeadLetter struct {
	Id             string `db:"id"`
	Message        []byte `db:"message"`
	QueueId        string `db:"queue_id"`
	DeliveryCount  int    `db:"delivery_count"`
	Reason         string `db:"reason"`
	Description    string `db:"description"`
	EnqueuedAt     string `db:"enqueued_at"`
	DeadLetteredAt string `db:"dead_lettered_at"`
}

// ArchivedMessage is a completed message.
type ArchivedMessage struct {
	Id            string `db:"id"`
	Message       []byte `db:"message"`
	QueueId       string `db:"queue_id"`
	DeliveryCount int    `db:"delivery_count"`
	EnqueuedAt    string `db:"enqueued_at"`
	ArchivedAt    string `db:"archived_at"`
}

func NewSqlite(cfg *Config) (*Sqlite, error) {
	if cfg.Queue == "" {
		return nil, errors.New("sqlite: queue name is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}

	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = DefaultMaxDeliveryCount
	}

	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate", cfg.DBPath))
	if err != nil {
		return nil, err
	}

	// sqlite has a single writer, serialise at the pool instead of on SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA journal_size_limit = 67108864;")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec("PRAGMA cache_size = 2000;")
	if err != nil {
		return nil, err
	}

	s := &Sqlite{
		db:               db,
		logger:           cfg.Logger,
		clock:            cfg.Clock,
		queue:            cfg.Queue,
		lockDuration:     cfg.LockDuration,
		maxDeliveryCount: cfg.MaxDeliveryCount,
	}

	ctx := context.Background()
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{createQueues, createMessages, createLockTokenIndex, createArchivedMessages, createDeadLetters} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO queues (id, name, lock_duration_ms, max_delivery_count) values ($1, $2, $3, $4)
			ON CONFLICT(name) DO UPDATE SET lock_duration_ms = excluded.lock_duration_ms, max_delivery_count = excluded.max_delivery_count`,
			ulid.Make().String(), s.queue, s.lockDuration.Milliseconds(), s.maxDeliveryCount)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

// LockDuration is the lock granted by receives and renewals.
func (s *Sqlite) LockDuration() time.Duration {
	return s.lockDuration
}

// Send puts an item on the queue
func (s *Sqlite) Send(ctx context.Context, msg *broker.OutgoingMessage) error {
	raw, err := packer.EncodeEnvelope(&packer.Envelope{
		Body:       msg.Body,
		Subject:    msg.Subject,
		Properties: msg.Properties,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		writeQuery := `insert into messages (id, message, queue_id, enqueued_at) values ($1, $2, $3, $4)`
		_, innerErr := tx.ExecContext(ctx, writeQuery, ulid.Make().String(), raw, s.queue, format(s.clock.Now()))
		return innerErr
	})
}

// ReceiveBatch locks up to max visible messages. Messages whose lock has
// expired are visible again.
func (s *Sqlite) ReceiveBatch(ctx context.Context, max int) ([]*broker.Message, error) {
	if max <= 0 {
		return []*broker.Message{}, nil
	}

	now := s.clock.Now()
	nowFormatted := format(now)
	lockedUntil := format(now.Add(s.lockDuration))

	getVisible := `select id from messages where queue_id = $1 and (status = 'available' or (status = 'locked' and locked_until <= $2)) order by id limit $3;`
	lockItem := `update messages set status = 'locked', lock_token = $1, locked_until = $2, delivery_count = delivery_count + 1 where id = $3 returning *;`

	messages := make([]*broker.Message, 0, max)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, getVisible, s.queue, nowFormatted, max); err != nil {
			return err
		}

		for _, id := range ids {
			var row messageRow
			if err := tx.QueryRowxContext(ctx, lockItem, ulid.Make().String(), lockedUntil, id).StructScan(&row); err != nil {
				return err
			}

			if row.DeliveryCount > s.maxDeliveryCount {
				description := fmt.Sprintf("delivered %d times, limit is %d", row.DeliveryCount-1, s.maxDeliveryCount)
				if err := s.moveToDeadLetters(ctx, tx, &row, ReasonMaxDeliveryCountExceeded, description, nowFormatted); err != nil {
					return err
				}
				s.logger.Warn("message dead-lettered", "id", row.Id, "queue", s.queue, "reason", ReasonMaxDeliveryCountExceeded)
				continue
			}

			msg, err := row.toMessage()
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// RenewLock extends a live lock to now + lock duration
func (s *Sqlite) RenewLock(ctx context.Context, token string) (time.Time, error) {
	now := s.clock.Now()
	renew := `update messages set locked_until = $1 where lock_token = $2 and queue_id = $3 and status = 'locked' and locked_until > $4 returning locked_until;`

	var lockedUntil string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, renew, format(now.Add(s.lockDuration)), token, s.queue, format(now)).Scan(&lockedUntil)
	})
	if err != nil {
		return time.Time{}, lockErr(err)
	}

	return parse(lockedUntil)
}

// Complete removes a locked message from the queue and archives it
func (s *Sqlite) Complete(ctx context.Context, token string) error {
	now := format(s.clock.Now())

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.takeLocked(ctx, tx, token, now)
		if err != nil {
			return err
		}

		writeQuery := `insert into archived_messages (id, message, queue_id, delivery_count, enqueued_at, archived_at) values ($1, $2, $3, $4, $5, $6)`
		_, err = tx.ExecContext(ctx, writeQuery, row.Id, row.Message, row.QueueId, row.DeliveryCount, row.EnqueuedAt, now)
		return err
	})

	return lockErr(err)
}

// Abandon makes a locked message visible again
func (s *Sqlite) Abandon(ctx context.Context, token string) error {
	now := format(s.clock.Now())
	release := `update messages set status = 'available', lock_token = null, locked_until = null where lock_token = $1 and queue_id = $2 and status = 'locked' and locked_until > $3 returning id;`

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		return tx.QueryRowxContext(ctx, release, token, s.queue, now).Scan(&id)
	})

	return lockErr(err)
}

// DeadLetter moves a locked message to the dead-letter table
func (s *Sqlite) DeadLetter(ctx context.Context, token, reason, description string) error {
	now := format(s.clock.Now())

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.takeLocked(ctx, tx, token, now)
		if err != nil {
			return err
		}

		return s.insertDeadLetter(ctx, tx, row, reason, description, now)
	})

	return lockErr(err)
}

// Peek returns messages without locking them. Peeked messages carry no
// lock token, even when another receiver holds one.
func (s *Sqlite) Peek(ctx context.Context, max int) ([]*broker.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `select * from messages where queue_id = $1 order by id limit $2`, s.queue, max)
	if err != nil {
		return nil, err
	}

	messages := make([]*broker.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}

		// the lock belongs to whoever received the message
		msg.LockToken = ""
		msg.LockedUntil = time.Time{}

		messages = append(messages, msg)
	}

	return messages, nil
}

// GetDeadLetters returns the queue's dead-lettered messages, oldest first
func (s *Sqlite) GetDeadLetters(ctx context.Context) (letters []DeadLetter, err error) {
	err = s.db.SelectContext(ctx, &letters, `select * from dead_letters where queue_id = $1 order by id`, s.queue)
	return letters, err
}

// GetArchivedMessages gets the completed messages of the queue
func (s *Sqlite) GetArchivedMessages(ctx context.Context) (messages []ArchivedMessage, err error) {
	err = s.db.SelectContext(ctx, &messages, `select * from archived_messages where queue_id = $1 order by id desc`, s.queue)
	return messages, err
}

// TruncateQueue clears the contents of the queue
func (s *Sqlite) TruncateQueue(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"messages", "archived_messages", "dead_letters"} {
			if _, err := tx.ExecContext(ctx, `delete from `+table+` where queue_id = $1`, s.queue); err != nil {
				return err
			}
		}
		return nil
	})
}

// takeLocked deletes and returns the message held by a live lock
func (s *Sqlite) takeLocked(ctx context.Context, tx *sqlx.Tx, token, now string) (*messageRow, error) {
	deleteQuery := `delete from messages where lock_token = $1 and queue_id = $2 and status = 'locked' and locked_until > $3 returning *`

	var row messageRow
	if err := tx.QueryRowxContext(ctx, deleteQuery, token, s.queue, now).StructScan(&row); err != nil {
		return nil, err
	}

	return &row, nil
}

func (s *Sqlite) moveToDeadLetters(ctx context.Context, tx *sqlx.Tx, row *messageRow, reason, description, now string) error {
	if _, err := tx.ExecContext(ctx, `delete from messages where id = $1`, row.Id); err != nil {
		return err
	}

	return s.insertDeadLetter(ctx, tx, row, reason, description, now)
}

func (s *Sqlite) insertDeadLetter(ctx context.Context, tx *sqlx.Tx, row *messageRow, reason, description, now string) error {
	writeQuery := `insert into dead_letters (id, message, queue_id, delivery_count, reason, description, enqueued_at, dead_lettered_at) values ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.ExecContext(ctx, writeQuery, row.Id, row.Message, row.QueueId, row.DeliveryCount, reason, description, row.EnqueuedAt, now)
	return err
}

func (r *messageRow) toMessage() (*broker.Message, error) {
	envelope, err := packer.DecodeEnvelope(r.Message)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", r.Id, err)
	}

	enqueuedAt, err := parse(r.EnqueuedAt)
	if err != nil {
		return nil, err
	}

	msg := &broker.Message{
		Id:            r.Id,
		Body:          envelope.Body,
		Subject:       envelope.Subject,
		Properties:    envelope.Properties,
		DeliveryCount: r.DeliveryCount,
		EnqueuedAt:    enqueuedAt,
	}

	if r.LockToken.Valid {
		msg.LockToken = r.LockToken.String
	}

	if r.LockedUntil.Valid {
		msg.LockedUntil, err = parse(r.LockedUntil.String)
		if err != nil {
			return nil, err
		}
	}

	return msg, nil
}

func (s *Sqlite) inTx(ctx context.Context, cb func(*sqlx.Tx) error) (err error) {
	tx, beginErr := s.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("cannot start tx: %w", beginErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = rollback(tx, nil)
			panic(rec)
		}
	}()

	if err = cb(tx); err != nil {
		return rollback(tx, err)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("cannot commit tx: %w", commitErr)
	}

	return nil
}

func rollback(tx *sqlx.Tx, err error) error {
	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return fmt.Errorf("cannot roll back tx after error (tx error: %v), original error: %w", rollbackErr, err)
	}
	return err
}

// lockErr maps a missing locked row to broker.ErrLockLost
func lockErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return broker.ErrLockLost
	}
	return err
}

// format renders t in a fixed width so stored timestamps compare lexically
func format(t time.Time) string {
	return t.UTC().Format(broker.Rfc3339Milli)
}

func parse(s string) (time.Time, error) {
	t, err := time.Parse(broker.Rfc3339Milli, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
