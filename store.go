package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Store persists everything a node must not forget across restarts.
type Store struct {
	db     *sql.DB
	sealer *ipSealer
}

// deriveDataKey turns OPENHERD_DB_KEY into an AES-256 key. An empty value means
// sensitive columns are stored in the clear.
func deriveDataKey(raw string) []byte {
	if raw == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= 16 {
		if len(decoded) == 32 {
			return decoded
		}
		h := sha256.Sum256(decoded)
		return h[:]
	}
	h := sha256.Sum256([]byte(raw))
	return h[:]
}

// ipSealer encrypts reporter addresses with AES-GCM; the nonce leads each
// sealed value.
type ipSealer struct {
	aead cipher.AEAD
}

func newIPSealer(key []byte) (*ipSealer, error) {
	if key == nil {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("data key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("data key: %w", err)
	}
	return &ipSealer{aead: aead}, nil
}

func (s *ipSealer) seal(ip string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(ip)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(ip), nil), nil
}

func (s *ipSealer) open(sealed []byte) (string, error) {
	size := s.aead.NonceSize()
	if len(sealed) < size {
		return "", errors.New("sealed address too short")
	}
	ip, err := s.aead.Open(nil, sealed[:size], sealed[size:], nil)
	return string(ip), err
}

func OpenStore(dbPath string, key []byte) (*Store, error) {
	sealer, err := newIPSealer(key)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps read-modify-write transactions serialized
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	schema := []string{`CREATE TABLE IF NOT EXISTS posts(
						id TEXT PRIMARY KEY,
						envelope BLOB,
						received_at INTEGER
					);`, `CREATE TABLE IF NOT EXISTS admins(
						hash TEXT PRIMARY KEY,
						created_at INTEGER
					);`, `CREATE TABLE IF NOT EXISTS karma_codes(
						code TEXT PRIMARY KEY,
						data BLOB
					);`, `CREATE TABLE IF NOT EXISTS karma_votes(
						post_id TEXT PRIMARY KEY,
						score INTEGER NOT NULL DEFAULT 0
					);`, `CREATE TABLE IF NOT EXISTS post_labels(
						post_id TEXT PRIMARY KEY,
						label TEXT
					);`, `CREATE TABLE IF NOT EXISTS reports(
						id TEXT PRIMARY KEY,
						data BLOB,
						reporter BLOB,
						sealed INTEGER,
						reported_at INTEGER
					);`}
	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db, sealer: sealer}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutEnvelope(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO posts(id, envelope, received_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET envelope=excluded.envelope`, env.ID, data, time.Now().UnixMilli())
	return err
}

// LoadEnvelopes returns every stored envelope. Rows that no longer decode are
// deleted and counted in dropped.
func (s *Store) LoadEnvelopes(ctx context.Context) (envs []Envelope, dropped int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, envelope FROM posts ORDER BY received_at, id`)
	if err != nil {
		return nil, 0, err
	}
	var broken []string
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, 0, err
		}
		var env Envelope
		if err := json.Unmarshal(blob, &env); err != nil || env.ID != id {
			broken = append(broken, id)
			continue
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	for _, id := range broken {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
			return nil, 0, err
		}
	}
	return envs, len(broken), nil
}

func (s *Store) AdminHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM admins ORDER BY created_at, hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) AddAdminHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO admins(hash, created_at) VALUES (?, ?)`, hash, time.Now().UnixNano())
	return err
}

func (s *Store) RemoveAdminHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE hash = ?`, hash)
	return err
}

func (s *Store) PutKarmaCode(ctx context.Context, kc *KarmaCode) error {
	data, err := json.Marshal(kc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO karma_codes(code, data) VALUES (?, ?) ON CONFLICT(code) DO UPDATE SET data=excluded.data`, kc.Code, data)
	return err
}

func (s *Store) KarmaCode(ctx context.Context, code string) (*KarmaCode, error) {
	return scanKarmaCode(s.db.QueryRowContext(ctx, `SELECT data FROM karma_codes WHERE code = ?`, code))
}

func scanKarmaCode(row *sql.Row) (*KarmaCode, error) {
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var kc KarmaCode
	if err := json.Unmarshal(blob, &kc); err != nil {
		return nil, fmt.Errorf("decode karma code: %w", err)
	}
	return &kc, nil
}

// UpdateKarmaCode loads code, lets fn mutate it and returns the score change
// fn decided on for postID. Both writes land in one transaction.
func (s *Store) UpdateKarmaCode(ctx context.Context, code string, fn func(kc *KarmaCode) (postID string, delta int, err error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	kc, err := scanKarmaCode(tx.QueryRowContext(ctx, `SELECT data FROM karma_codes WHERE code = ?`, code))
	if err != nil {
		return err
	}
	postID, delta, err := fn(kc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(kc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE karma_codes SET data = ? WHERE code = ?`, data, code); err != nil {
		return err
	}
	if delta != 0 && postID != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO karma_votes(post_id, score) VALUES (?, ?) ON CONFLICT(post_id) DO UPDATE SET score = score + excluded.score`, postID, delta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KarmaScores returns one score per id, zero for posts nobody voted on.
func (s *Store) KarmaScores(ctx context.Context, postIDs []string) ([]int, error) {
	scores := make([]int, len(postIDs))
	for i, id := range postIDs {
		err := s.db.QueryRowContext(ctx, `SELECT score FROM karma_votes WHERE post_id = ?`, id).Scan(&scores[i])
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return scores, nil
}

// PostLabels returns one entry per id, nil for unlabeled posts.
func (s *Store) PostLabels(ctx context.Context, postIDs []string) ([]*string, error) {
	labels := make([]*string, len(postIDs))
	for i, id := range postIDs {
		var label string
		err := s.db.QueryRowContext(ctx, `SELECT label FROM post_labels WHERE post_id = ?`, id).Scan(&label)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			labels[i] = &label
		}
	}
	return labels, nil
}

func (s *Store) RemoveLabelFromPosts(ctx context.Context, label string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM post_labels WHERE label = ?`, label)
	return err
}

func (s *Store) AddReport(ctx context.Context, r *ModerationReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	reporter := []byte(r.ReporterIP)
	sealed := 0
	if s.sealer != nil {
		if reporter, err = s.sealer.seal(r.ReporterIP); err != nil {
			return fmt.Errorf("seal reporter: %w", err)
		}
		sealed = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO reports(id, data, reporter, sealed, reported_at) VALUES (?, ?, ?, ?, ?)`, r.ID, data, reporter, sealed, r.ReportedAt.UnixNano())
	return err
}

func (s *Store) Reports(ctx context.Context) ([]ModerationReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, reporter, sealed FROM reports ORDER BY reported_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ModerationReport{}
	for rows.Next() {
		var data, reporter []byte
		var sealed int
		if err := rows.Scan(&data, &reporter, &sealed); err != nil {
			return nil, err
		}
		var r ModerationReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		if sealed == 1 {
			if s.sealer == nil {
				r.ReporterIP = "sealed"
			} else if ip, err := s.sealer.open(reporter); err == nil {
				r.ReporterIP = ip
			}
		} else {
			r.ReporterIP = string(reporter)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReport reports whether a report with id existed.
func (s *Store) DeleteReport(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AcceptReport resolves a report: the reported post gets label (when given)
// and the report is removed.
func (s *Store) AcceptReport(ctx context.Context, id string, label *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var data []byte
	if err := tx.QueryRowContext(ctx, `SELECT data FROM reports WHERE id = ?`, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var r ModerationReport
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if label != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO post_labels(post_id, label) VALUES (?, ?) ON CONFLICT(post_id) DO UPDATE SET label=excluded.label`, r.Post.ID, *label); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
