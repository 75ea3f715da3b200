package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	_ "github.com/mattn/go-sqlite3"

	"positionmonitor/internal/ids"
	"positionmonitor/internal/models"
)

const activePrefix = "active:"

// compositeStore is the PositionStore used in production: badger holds the
// live active set as one JSON document per key, keyed so ListActive can
// scan the whole active set, and a sqlite table holds the terminal audit
// trail so GetHistory can filter by symbol, status, and time range without
// scanning the badger keyspace.
type compositeStore struct {
	db      *badger.DB
	history *sql.DB
}

// Open creates (or attaches to) the badger active-set store at badgerPath
// and the sqlite history database at historyDBPath.
func Open(badgerPath, historyDBPath string) (PositionStore, error) {
	opts := badger.DefaultOptions(badgerPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	hdb, err := sql.Open("sqlite3", historyDBPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := hdb.Ping(); err != nil {
		db.Close()
		hdb.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if err := createHistoryTable(hdb); err != nil {
		db.Close()
		hdb.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	return &compositeStore{db: db, history: hdb}, nil
}

func createHistoryTable(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS position_history (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		exited_at INTEGER,
		failed_at INTEGER,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_position_history_symbol ON position_history(symbol);
	CREATE INDEX IF NOT EXISTS idx_position_history_status ON position_history(status);
	`)
	return err
}

func activeKey(id string) []byte {
	return []byte(activePrefix + id)
}

func (s *compositeStore) Insert(p *models.MonitoredPosition) (string, error) {
	if p.ID == "" {
		p.ID = ids.NewPositionID()
	}
	p.Status = models.StatusActive

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal position: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(activeKey(p.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("persist position: %w", err)
	}
	return p.ID, nil
}

func (s *compositeStore) ListActive() ([]*models.MonitoredPosition, error) {
	var out []*models.MonitoredPosition

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(activePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(activePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var p models.MonitoredPosition
				if err := json.Unmarshal(val, &p); err != nil {
					return err
				}
				if p.Status == models.StatusActive {
					out = append(out, &p)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}
	return out, nil
}

func (s *compositeStore) Get(id string) (*models.MonitoredPosition, error) {
	var p *models.MonitoredPosition

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var pos models.MonitoredPosition
			if err := json.Unmarshal(val, &pos); err != nil {
				return err
			}
			p = &pos
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	if p != nil {
		return p, nil
	}

	return s.getHistoryRecord(id)
}

func (s *compositeStore) getHistoryRecord(id string) (*models.MonitoredPosition, error) {
	row := s.history.QueryRow(`SELECT payload FROM position_history WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history record %s: %w", id, err)
	}
	var p models.MonitoredPosition
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode history record %s: %w", id, err)
	}
	return &p, nil
}

// UpdateStatus moves a position from the badger active set into the sqlite
// audit trail. It is safe to call more than once for the same id: the
// second call simply overwrites the same history row (INSERT OR REPLACE).
// Removal from the registry upstream already ensures this only happens
// once per genuine terminal transition, so last-writer-wins here is never
// actually exercised by more than one writer.
func (s *compositeStore) UpdateStatus(id string, status models.Status, exit *models.ExitRecord) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("update status: position %s not found", id)
	}

	p.Status = status
	p.ExitData = exit

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal terminal position: %w", err)
	}

	var exitedAt, failedAt sql.NullInt64
	if exit != nil {
		if exit.ExitedAt != nil {
			exitedAt = sql.NullInt64{Int64: exit.ExitedAt.Unix(), Valid: true}
		}
		if exit.FailedAt != nil {
			failedAt = sql.NullInt64{Int64: exit.FailedAt.Unix(), Valid: true}
		}
	}

	_, err = s.history.Exec(
		`INSERT OR REPLACE INTO position_history (id, trade_id, symbol, status, exited_at, failed_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TradeID, p.TokenSymbol, string(status), exitedAt, failedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("write history record: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(activeKey(id))
	}); err != nil {
		return fmt.Errorf("remove position from active set: %w", err)
	}

	return nil
}

func (s *compositeStore) GetHistory(filter models.HistoryFilter) ([]*models.MonitoredPosition, error) {
	query := `SELECT payload FROM position_history WHERE 1=1`
	var args []any

	if filter.TokenSymbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.TokenSymbol)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND (exited_at >= ? OR failed_at >= ?)`
		args = append(args, filter.Since.Unix(), filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		query += ` AND (exited_at <= ? OR failed_at <= ?)`
		args = append(args, filter.Until.Unix(), filter.Until.Unix())
	}
	query += ` ORDER BY rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.history.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.MonitoredPosition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var p models.MonitoredPosition
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *compositeStore) Close() error {
	err1 := s.db.Close()
	err2 := s.history.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
