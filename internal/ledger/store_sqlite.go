package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autotrader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore persists the fill log, position rows and drift records in a
// single SQLite file. WAL mode gives crash recovery; position rows carry a
// sha256 checksum so corruption is detected on load rather than traded on.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	side       INTEGER NOT NULL,
	quantity   INTEGER NOT NULL,
	price      TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	role       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_position ON fills (account_id, symbol, id);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS drifts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id       TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	virtual_quantity INTEGER NOT NULL,
	broker_quantity  INTEGER NOT NULL,
	detected_at      INTEGER NOT NULL,
	resolution       TEXT NOT NULL DEFAULT '',
	resolved_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_drifts_position ON drifts (account_id, symbol, id);
`

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AppendFill appends one fill to the log. Fills are never updated or
// deleted outside ReplaceFills.
func (s *SQLiteStore) AppendFill(ctx context.Context, fill core.Fill) error {
	query := `INSERT INTO fills (account_id, symbol, order_id, side, quantity, price, ts, role)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		fill.AccountID, fill.Symbol, fill.OrderID, int(fill.Side),
		fill.Quantity, fill.Price.String(), fill.Timestamp.UnixNano(), int(fill.Role))
	if err != nil {
		return fmt.Errorf("failed to append fill: %w", err)
	}
	return nil
}

// LoadFills returns one position's fills in insertion order
func (s *SQLiteStore) LoadFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	query := `SELECT order_id, side, quantity, price, ts, role
	          FROM fills WHERE account_id = ? AND symbol = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var (
			f         core.Fill
			side      int
			role      int
			priceStr  string
			tsNanos   int64
		)
		if err := rows.Scan(&f.OrderID, &side, &f.Quantity, &priceStr, &tsNanos, &role); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt fill price %q: %w", priceStr, err)
		}
		f.AccountID = accountID
		f.Symbol = symbol
		f.Side = core.OrderSide(side)
		f.Price = price
		f.Timestamp = time.Unix(0, tsNanos)
		f.Role = core.FillRole(role)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ReplaceFills atomically swaps one position's fill history for the given
// sequence. Used only by the drift reconciler.
func (s *SQLiteStore) ReplaceFills(ctx context.Context, accountID, symbol string, fills []core.Fill) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fills WHERE account_id = ? AND symbol = ?`, accountID, symbol); err != nil {
		return fmt.Errorf("failed to clear fills: %w", err)
	}

	insert := `INSERT INTO fills (account_id, symbol, order_id, side, quantity, price, ts, role)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, f := range fills {
		if _, err := tx.ExecContext(ctx, insert,
			accountID, symbol, f.OrderID, int(f.Side),
			f.Quantity, f.Price.String(), f.Timestamp.UnixNano(), int(f.Role)); err != nil {
			return fmt.Errorf("failed to insert fill: %w", err)
		}
	}

	return tx.Commit()
}

// persistedPosition is the JSON shape of a position row. Derived PnL marks
// are stored for inspection but replay always wins on load.
type persistedPosition struct {
	AccountID          string          `json:"account_id"`
	Symbol             string          `json:"symbol"`
	Quantity           int64           `json:"quantity"`
	AverageEntryPrice  decimal.Decimal `json:"average_entry_price"`
	OpenedAt           time.Time       `json:"opened_at"`
	ClosedAt           time.Time       `json:"closed_at"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	WorstUnrealizedPnL decimal.Decimal `json:"worst_unrealized_pnl"`
	DCAFiredRungs      map[int]bool    `json:"dca_fired_rungs"`
	TakeProfitOrderID  string          `json:"take_profit_order_id"`
	ExitState          int             `json:"exit_state"`
	LastError          string          `json:"last_error,omitempty"`
}

// SavePosition upserts one position row with a content checksum
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.Position) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := persistedPosition{
		AccountID:          pos.AccountID,
		Symbol:             pos.Symbol,
		Quantity:           pos.Quantity,
		AverageEntryPrice:  pos.AverageEntryPrice,
		OpenedAt:           pos.OpenedAt,
		ClosedAt:           pos.ClosedAt,
		RealizedPnL:        pos.RealizedPnL,
		WorstUnrealizedPnL: pos.WorstUnrealizedPnL,
		DCAFiredRungs:      pos.DCAFiredRungs,
		TakeProfitOrderID:  pos.TakeProfitOrderID,
		ExitState:          int(pos.ExitState),
		LastError:          pos.LastError,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO positions (account_id, symbol, data, checksum, updated_at)
	          VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		pos.AccountID, pos.Symbol, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write position row: %w", err)
	}

	return tx.Commit()
}

// LoadPositions returns all persisted position rows
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, checksum FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var data string
		var storedChecksum []byte
		if err := rows.Scan(&data, &storedChecksum); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}

		computed := sha256.Sum256([]byte(data))
		if len(storedChecksum) != len(computed) {
			return nil, fmt.Errorf("position checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
		}
		for i := range computed {
			if storedChecksum[i] != computed[i] {
				return nil, fmt.Errorf("position checksum verification failed: data corruption detected")
			}
		}

		var row persistedPosition
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position row: %w", err)
		}

		pos := &core.Position{
			AccountID:          row.AccountID,
			Symbol:             row.Symbol,
			Side:               core.SideForQuantity(row.Quantity),
			Quantity:           row.Quantity,
			AverageEntryPrice:  row.AverageEntryPrice,
			OpenedAt:           row.OpenedAt,
			ClosedAt:           row.ClosedAt,
			RealizedPnL:        row.RealizedPnL,
			WorstUnrealizedPnL: row.WorstUnrealizedPnL,
			DCAFiredRungs:      row.DCAFiredRungs,
			TakeProfitOrderID:  row.TakeProfitOrderID,
			ExitState:          core.ExitState(row.ExitState),
			LastError:          row.LastError,
		}
		if pos.DCAFiredRungs == nil {
			pos.DCAFiredRungs = make(map[int]bool)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SaveDrift inserts or updates one drift record
func (s *SQLiteStore) SaveDrift(ctx context.Context, rec *core.DriftRecord) error {
	if rec.ID == 0 {
		query := `INSERT INTO drifts (account_id, symbol, virtual_quantity, broker_quantity, detected_at, resolution, resolved_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?)`
		res, err := s.db.ExecContext(ctx, query,
			rec.AccountID, rec.Symbol, rec.VirtualQuantity, rec.BrokerQuantity,
			rec.DetectedAt.UnixNano(), rec.Resolution, unixOrZero(rec.ResolvedAt))
		if err != nil {
			return fmt.Errorf("failed to insert drift record: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	}

	query := `UPDATE drifts SET resolution = ?, resolved_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, rec.Resolution, unixOrZero(rec.ResolvedAt), rec.ID); err != nil {
		return fmt.Errorf("failed to update drift record: %w", err)
	}
	return nil
}

// LoadDrifts returns one position's drift records, oldest first
func (s *SQLiteStore) LoadDrifts(ctx context.Context, accountID, symbol string) ([]core.DriftRecord, error) {
	query := `SELECT id, virtual_quantity, broker_quantity, detected_at, resolution, resolved_at
	          FROM drifts WHERE account_id = ? AND symbol = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift records: %w", err)
	}
	defer rows.Close()

	var recs []core.DriftRecord
	for rows.Next() {
		var (
			rec        core.DriftRecord
			detectedAt int64
			resolvedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.VirtualQuantity, &rec.BrokerQuantity,
			&detectedAt, &rec.Resolution, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drift record: %w", err)
		}
		rec.AccountID = accountID
		rec.Symbol = symbol
		rec.DetectedAt = time.Unix(0, detectedAt)
		if resolvedAt != 0 {
			rec.ResolvedAt = time.Unix(0, resolvedAt)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
