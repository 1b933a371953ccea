// Package postgres implements interfaces.KeyStore on PostgreSQL through the
// pgx database/sql driver, with the schema managed by embedded goose
// migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/keyratchet/crypto"
	"github.com/opd-ai/keyratchet/interfaces"
	"github.com/opd-ai/keyratchet/model"
	"github.com/opd-ai/keyratchet/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed KeyStore.
type Store struct {
	db *sql.DB
}

var _ interfaces.KeyStore = (*Store)(nil)

// New wraps an open database handle. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx driver, pings and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "postgres",
	}).Info("Key store connected and migrated")
	return New(db), nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate key store: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CommitEpoch implements interfaces.KeyStore. The conversation row is
// locked for the duration of the transaction, which serializes competing
// commits; the partial unique index on active epochs backs this up.
func (s *Store) CommitEpoch(ctx context.Context, header *model.EpochHeader, records []*model.WrappedKeyRecord, prevEpoch uint64) error {
	if err := store.ValidateCommit(header, records); err != nil {
		return err
	}
	recipients, err := json.Marshal(header.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}

	err = withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (conversation_id) VALUES ($1) ON CONFLICT DO NOTHING`,
			header.ConversationID); err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}

		var active, last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT active_epoch, last_epoch FROM conversations WHERE conversation_id = $1 FOR UPDATE`,
			header.ConversationID).Scan(&active, &last); err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}
		if uint64(active) != prevEpoch {
			return fmt.Errorf("%w: %s active epoch is %d, expected %d",
				interfaces.ErrEpochConflict, header.ConversationID, active, prevEpoch)
		}
		if header.Epoch <= uint64(last) {
			return fmt.Errorf("%w: %s epoch %d not after %d",
				interfaces.ErrEpochConflict, header.ConversationID, header.Epoch, last)
		}

		if prevEpoch > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE epochs SET superseded_at = $3 WHERE conversation_id = $1 AND epoch = $2 AND superseded_at IS NULL`,
				header.ConversationID, int64(prevEpoch), header.CreatedAt); err != nil {
				return fmt.Errorf("supersede epoch: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO epochs (conversation_id, epoch, algorithm, mixed_mode, key_check, recipients, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			header.ConversationID, int64(header.Epoch), string(header.Algorithm), header.MixedMode,
			header.KeyCheck, string(recipients), header.CreatedAt); err != nil {
			return fmt.Errorf("insert epoch: %w", err)
		}

		for _, r := range records {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO wrapped_keys (conversation_id, epoch, device_id, algorithm, key_fingerprint, wrapped, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.ConversationID, int64(r.Epoch), r.DeviceID, string(r.Algorithm), r.KeyFingerprint,
				r.Wrapped, r.CreatedAt); err != nil {
				return fmt.Errorf("insert wrapped key for %s: %w", r.DeviceID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET active_epoch = $2, last_epoch = $2 WHERE conversation_id = $1`,
			header.ConversationID, int64(header.Epoch)); err != nil {
			return fmt.Errorf("advance conversation: %w", err)
		}
		return nil
	})
	return mapError(err)
}

const epochColumns = `e.epoch, e.algorithm, e.mixed_mode, e.key_check, e.recipients, e.created_at, e.superseded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeader(row rowScanner, conversationID string, extra ...any) (*model.EpochHeader, error) {
	var (
		epoch      int64
		alg        string
		h          model.EpochHeader
		recipients []byte
		superseded sql.NullTime
	)
	dest := append([]any{&epoch, &alg, &h.MixedMode, &h.KeyCheck, &recipients, &h.CreatedAt, &superseded}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	h.ConversationID = conversationID
	h.Epoch = uint64(epoch)
	h.Algorithm = crypto.Algorithm(alg)
	if err := json.Unmarshal(recipients, &h.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if superseded.Valid {
		t := superseded.Time
		h.SupersededAt = &t
	}
	return &h, nil
}

// ActiveEpoch implements interfaces.KeyStore.
func (s *Store) ActiveEpoch(ctx context.Context, conversationID string) (*model.EpochHeader, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+epochColumns+` FROM epochs e WHERE e.conversation_id = $1 AND e.superseded_at IS NULL`,
		conversationID)
	h, err := scanHeader(row, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active epoch for %s", interfaces.ErrNotFound, conversationID)
	}
	return h, err
}

// Epoch implements interfaces.KeyStore.
func (s *Store) Epoch(ctx context.Context, conversationID string, epoch uint64) (*model.EpochHeader, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+epochColumns+` FROM epochs e WHERE e.conversation_id = $1 AND e.epoch = $2`,
		conversationID, int64(epoch))
	h, err := scanHeader(row, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, conversationID, epoch)
	}
	return h, err
}

// ListEpochs implements interfaces.KeyStore.
func (s *Store) ListEpochs(ctx context.Context, conversationID string) ([]*model.EpochHeader, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+epochColumns+` FROM epochs e WHERE e.conversation_id = $1 ORDER BY e.epoch`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []*model.EpochHeader
	for rows.Next() {
		h, err := scanHeader(rows, conversationID)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ActiveRecord implements interfaces.KeyStore with a single statement, so
// header and record come from one snapshot.
func (s *Store) ActiveRecord(ctx context.Context, conversationID, deviceID string) (*model.EpochHeader, *model.WrappedKeyRecord, error) {
	var (
		recDevice  sql.NullString
		recAlg     sql.NullString
		recFP      sql.NullString
		recWrapped []byte
		recCreated sql.NullTime
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+epochColumns+`, w.device_id, w.algorithm, w.key_fingerprint, w.wrapped, w.created_at
		FROM epochs e
		LEFT JOIN wrapped_keys w
			ON w.conversation_id = e.conversation_id AND w.epoch = e.epoch AND w.device_id = $2
		WHERE e.conversation_id = $1 AND e.superseded_at IS NULL`,
		conversationID, deviceID)
	h, err := scanHeader(row, conversationID, &recDevice, &recAlg, &recFP, &recWrapped, &recCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: no active epoch for %s", interfaces.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, nil, err
	}
	if !recDevice.Valid {
		return h, nil, nil
	}
	return h, &model.WrappedKeyRecord{
		ConversationID: conversationID,
		Epoch:          h.Epoch,
		DeviceID:       recDevice.String,
		Algorithm:      crypto.Algorithm(recAlg.String),
		KeyFingerprint: recFP.String,
		Wrapped:        recWrapped,
		CreatedAt:      recCreated.Time,
	}, nil
}

// Record implements interfaces.KeyStore.
func (s *Store) Record(ctx context.Context, conversationID string, epoch uint64, deviceID string) (*model.WrappedKeyRecord, error) {
	r := &model.WrappedKeyRecord{ConversationID: conversationID, Epoch: epoch, DeviceID: deviceID}
	var alg string
	err := s.db.QueryRowContext(ctx,
		`SELECT algorithm, key_fingerprint, wrapped, created_at FROM wrapped_keys
		WHERE conversation_id = $1 AND epoch = $2 AND device_id = $3`,
		conversationID, int64(epoch), deviceID).Scan(&alg, &r.KeyFingerprint, &r.Wrapped, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s/%d/%s", interfaces.ErrNotFound, conversationID, epoch, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read wrapped key: %w", err)
	}
	r.Algorithm = crypto.Algorithm(alg)
	return r, nil
}

// AddRecord implements interfaces.KeyStore.
func (s *Store) AddRecord(ctx context.Context, r *model.WrappedKeyRecord) error {
	if err := store.ValidateRecord(r); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM epochs WHERE conversation_id = $1 AND epoch = $2 FOR UPDATE`,
			r.ConversationID, int64(r.Epoch)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s epoch %d", interfaces.ErrNotFound, r.ConversationID, r.Epoch)
		}
		if err != nil {
			return fmt.Errorf("lock epoch: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wrapped_keys (conversation_id, epoch, device_id, algorithm, key_fingerprint, wrapped, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (conversation_id, epoch, device_id) DO UPDATE
			SET algorithm = EXCLUDED.algorithm, key_fingerprint = EXCLUDED.key_fingerprint,
				wrapped = EXCLUDED.wrapped, created_at = EXCLUDED.created_at`,
			r.ConversationID, int64(r.Epoch), r.DeviceID, string(r.Algorithm), r.KeyFingerprint,
			r.Wrapped, r.CreatedAt); err != nil {
			return fmt.Errorf("upsert wrapped key: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE epochs SET recipients = recipients || to_jsonb($3::text)
			WHERE conversation_id = $1 AND epoch = $2 AND NOT recipients ? $3`,
			r.ConversationID, int64(r.Epoch), r.DeviceID); err != nil {
			return fmt.Errorf("add recipient: %w", err)
		}
		return nil
	})
}

// DeleteEpoch implements interfaces.KeyStore.
func (s *Store) DeleteEpoch(ctx context.Context, conversationID string, epoch uint64) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var superseded sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT superseded_at FROM epochs WHERE conversation_id = $1 AND epoch = $2 FOR UPDATE`,
			conversationID, int64(epoch)).Scan(&superseded)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock epoch: %w", err)
		}
		if !superseded.Valid {
			return fmt.Errorf("%w: %s epoch %d", interfaces.ErrActiveEpoch, conversationID, epoch)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM wrapped_keys WHERE conversation_id = $1 AND epoch = $2`,
			conversationID, int64(epoch)); err != nil {
			return fmt.Errorf("delete wrapped keys: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM epochs WHERE conversation_id = $1 AND epoch = $2`,
			conversationID, int64(epoch)); err != nil {
			return fmt.Errorf("delete epoch: %w", err)
		}
		return nil
	})
}

// DeleteDeviceRecords implements interfaces.KeyStore.
func (s *Store) DeleteDeviceRecords(ctx context.Context, deviceID string, supersededToo bool) (int, error) {
	var removed int64
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM wrapped_keys w USING epochs e
			WHERE w.device_id = $1
				AND e.conversation_id = w.conversation_id AND e.epoch = w.epoch
				AND ($2 OR e.superseded_at IS NULL)`,
			deviceID, supersededToo)
		if err != nil {
			return fmt.Errorf("delete device keys: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE epochs SET recipients = recipients - $1::text
			WHERE recipients ? $1 AND ($2 OR superseded_at IS NULL)`,
			deviceID, supersededToo); err != nil {
			return fmt.Errorf("drop recipient: %w", err)
		}
		return nil
	})
	return int(removed), err
}

// ListDeviceRecords implements interfaces.KeyStore.
func (s *Store) ListDeviceRecords(ctx context.Context, deviceID string) ([]model.RecordRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, epoch, algorithm, key_fingerprint FROM wrapped_keys
		WHERE device_id = $1 ORDER BY conversation_id, epoch`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("list device keys: %w", err)
	}
	defer rows.Close()

	var out []model.RecordRef
	for rows.Next() {
		ref := model.RecordRef{DeviceID: deviceID}
		var epoch int64
		var alg string
		if err := rows.Scan(&ref.ConversationID, &epoch, &alg, &ref.KeyFingerprint); err != nil {
			return nil, err
		}
		ref.Epoch = uint64(epoch)
		ref.Algorithm = crypto.Algorithm(alg)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// mapError turns a unique violation raised by a racing commit into
// ErrEpochConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", interfaces.ErrEpochConflict, pgErr.Message)
	}
	return err
}
