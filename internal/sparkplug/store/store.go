package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

const (
	defaultBirthLimit = 50
	maxBirthLimit     = 500

	bdSeqModulus = 256
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store implements engine.BdSeqSource and the birth history on SQLite.
//
// Thread Safety: safe for concurrent use; SQLite serialises writers.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NextBdSeq advances and returns the bdSeq for an edge node. The first call
// for a node returns 0; values wrap from 255 back to 0.
func (s *Store) NextBdSeq(ctx context.Context, id sparkplug.Identity) (uint64, error) {
	if id.DeviceID != "" {
		return 0, fmt.Errorf("%w: bdSeq belongs to the edge node, not device %q", sparkplug.ErrInvalidIdentity, id.DeviceID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var next uint64
	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM bdseq WHERE group_id = ? AND edge_node_id = ?",
		id.GroupID, id.EdgeNodeID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next = 0
	case err != nil:
		return 0, fmt.Errorf("reading bdseq: %w", err)
	default:
		next = uint64(current+1) % bdSeqModulus
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bdseq (group_id, edge_node_id, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_id, edge_node_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		id.GroupID, id.EdgeNodeID, int64(next), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("writing bdseq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing bdseq: %w", err)
	}
	return next, nil
}

// CurrentBdSeq returns the last value handed out for id, or ErrNotFound.
func (s *Store) CurrentBdSeq(ctx context.Context, id sparkplug.Identity) (uint64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM bdseq WHERE group_id = ? AND edge_node_id = ?",
		id.GroupID, id.EdgeNodeID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading bdseq: %w", err)
	}
	return uint64(v), nil
}

// Birth is one recorded NBIRTH or DBIRTH.
type Birth struct {
	ID       int64                 `json:"id"`
	Session  string                `json:"session"`
	Peer     sparkplug.PeerID      `json:"peer"`
	Kind     sparkplug.MessageKind `json:"kind"`
	BdSeq    uint64                `json:"bd_seq"`
	HasBdSeq bool                  `json:"has_bd_seq"`
	Metrics  []sparkplug.Metric    `json:"metrics"`
	BornAt   time.Time             `json:"born_at"`
}

// BirthFilter narrows ListBirths. Empty fields match everything.
type BirthFilter struct {
	Group  string
	Node   string
	Device string

	// Limit defaults to 50 and is capped at 500.
	Limit int
}

// SaveBirth inserts b and returns its row id.
func (s *Store) SaveBirth(ctx context.Context, b Birth) (int64, error) {
	if !b.Kind.IsBirth() {
		return 0, fmt.Errorf("%w: %q is not a birth", sparkplug.ErrInvalidTopic, b.Kind)
	}
	if b.Peer.Group == "" || b.Peer.Node == "" {
		return 0, fmt.Errorf("%w: birth without group and node", sparkplug.ErrInvalidIdentity)
	}
	if b.BornAt.IsZero() {
		b.BornAt = s.now()
	}
	metrics := b.Metrics
	if metrics == nil {
		metrics = []sparkplug.Metric{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return 0, fmt.Errorf("marshalling metrics: %w", err)
	}

	var bdSeq any
	if b.HasBdSeq {
		bdSeq = int64(b.BdSeq)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_births (session, group_id, edge_node_id, device_id, kind, bd_seq, metrics, born_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Session, b.Peer.Group, b.Peer.Node, b.Peer.Device, string(b.Kind), bdSeq,
		string(metricsJSON), b.BornAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting birth: %w", err)
	}
	return res.LastInsertId()
}

// ListBirths returns recorded births newest first.
func (s *Store) ListBirths(ctx context.Context, f BirthFilter) ([]Birth, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultBirthLimit
	}
	if limit > maxBirthLimit {
		limit = maxBirthLimit
	}

	query := `SELECT id, session, group_id, edge_node_id, device_id, kind, bd_seq, metrics, born_at
		FROM peer_births WHERE 1 = 1`
	var args []any
	if f.Group != "" {
		query += " AND group_id = ?"
		args = append(args, f.Group)
	}
	if f.Node != "" {
		query += " AND edge_node_id = ?"
		args = append(args, f.Node)
	}
	if f.Device != "" {
		query += " AND device_id = ?"
		args = append(args, f.Device)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying births: %w", err)
	}
	defer rows.Close()

	births := make([]Birth, 0, limit)
	for rows.Next() {
		var (
			b           Birth
			kind        string
			bdSeq       sql.NullInt64
			metricsJSON string
			bornAt      string
		)
		if err := rows.Scan(&b.ID, &b.Session, &b.Peer.Group, &b.Peer.Node, &b.Peer.Device,
			&kind, &bdSeq, &metricsJSON, &bornAt); err != nil {
			return nil, fmt.Errorf("scanning birth: %w", err)
		}
		b.Kind = sparkplug.MessageKind(kind)
		if bdSeq.Valid {
			b.BdSeq, b.HasBdSeq = uint64(bdSeq.Int64), true
		}
		if err := json.Unmarshal([]byte(metricsJSON), &b.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshalling metrics: %w", err)
		}
		if b.BornAt, err = time.Parse(time.RFC3339Nano, bornAt); err != nil {
			return nil, fmt.Errorf("parsing born_at %q: %w", bornAt, err)
		}
		births = append(births, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating births: %w", err)
	}
	return births, nil
}

// LatestBirth returns the newest birth recorded for peer, or ErrNotFound.
func (s *Store) LatestBirth(ctx context.Context, peer sparkplug.PeerID) (Birth, error) {
	births, err := s.ListBirths(ctx, BirthFilter{Group: peer.Group, Node: peer.Node, Device: peer.Device, Limit: maxBirthLimit})
	if err != nil {
		return Birth{}, err
	}
	// An empty Device filter matches device rows too; keep the exact peer.
	for _, b := range births {
		if b.Peer == peer {
			return b, nil
		}
	}
	return Birth{}, ErrNotFound
}
