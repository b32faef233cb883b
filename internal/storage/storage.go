package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mt5-risk-engine-go/internal/gateway"
	"mt5-risk-engine-go/internal/id"
	"mt5-risk-engine-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Entry 订单日志中的一行, 对应网关的一次最终结果
type Entry struct {
	ID         string
	Symbol     string
	Kind       models.RequestKind
	Side       string
	Ticket     uint64
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
	Status     string
	Retcode    int
	Attempts   int
	Error      string
	Order      uint64
	FillPrice  float64
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// Summary counts journal rows by status.
type Summary struct {
	Total     int
	Success   int
	Rejected  int
	Invalid   int
	Exhausted int
	ByKind    map[models.RequestKind]int
}

// Journal 基于 SQLite 的订单日志, 实现 gateway.Recorder.
type Journal struct {
	db *sql.DB
}

var _ gateway.Recorder = (*Journal)(nil)

// Open initializes the database connection and creates the journal table.
func Open(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS order_journal (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		ticket INTEGER NOT NULL,
		volume REAL NOT NULL,
		price REAL NOT NULL,
		sl REAL NOT NULL,
		tp REAL NOT NULL,
		comment TEXT NOT NULL,
		status TEXT NOT NULL,
		retcode INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT NOT NULL,
		order_ticket INTEGER NOT NULL,
		fill_price REAL NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_order_journal_symbol ON order_journal (symbol, created_at);`)
	return err
}

// Record inserts one gateway outcome.
func (j *Journal) Record(ctx context.Context, o gateway.Outcome) error {
	e := entryFrom(o)
	query := `
	INSERT INTO order_journal (id, symbol, kind, side, ticket, volume, price, sl, tp, comment,
		status, retcode, attempts, error, order_ticket, fill_price, elapsed_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		e.ID, e.Symbol, string(e.Kind), e.Side, int64(e.Ticket), e.Volume, e.Price, e.StopLoss, e.TakeProfit, e.Comment,
		e.Status, e.Retcode, e.Attempts, e.Error, int64(e.Order), e.FillPrice, e.Elapsed.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns the newest n entries for symbol, newest first. An empty
// symbol matches every symbol.
func (j *Journal) Recent(ctx context.Context, symbol string, n int) ([]Entry, error) {
	query := `
	SELECT id, symbol, kind, side, ticket, volume, price, sl, tp, comment,
		status, retcode, attempts, error, order_ticket, fill_price, elapsed_ms, created_at
	FROM order_journal
	WHERE (? = '' OR symbol = ?)
	ORDER BY id DESC
	LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, symbol, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			kind                 string
			ticket, order        int64
			elapsedMs, createdAt int64
		)
		if err := rows.Scan(
			&e.ID, &e.Symbol, &kind, &e.Side, &ticket, &e.Volume, &e.Price, &e.StopLoss, &e.TakeProfit, &e.Comment,
			&e.Status, &e.Retcode, &e.Attempts, &e.Error, &order, &e.FillPrice, &elapsedMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Kind = models.RequestKind(kind)
		e.Ticket = uint64(ticket)
		e.Order = uint64(order)
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary counts the entries for symbol created at or after since.
func (j *Journal) Summary(ctx context.Context, symbol string, since time.Time) (Summary, error) {
	query := `
	SELECT kind, status, COUNT(*)
	FROM order_journal
	WHERE (? = '' OR symbol = ?) AND created_at >= ?
	GROUP BY kind, status`

	rows, err := j.db.QueryContext(ctx, query, symbol, symbol, since.UnixMilli())
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize journal: %w", err)
	}
	defer rows.Close()

	s := Summary{ByKind: make(map[models.RequestKind]int)}
	for rows.Next() {
		var (
			kind, status string
			n            int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return Summary{}, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.Total += n
		s.ByKind[models.RequestKind(kind)] += n
		switch status {
		case "success":
			s.Success += n
		case "rejected":
			s.Rejected += n
		case "invalid":
			s.Invalid += n
		case "exhausted":
			s.Exhausted += n
		}
	}
	return s, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func entryFrom(o gateway.Outcome) Entry {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	e := Entry{
		ID:        id.At(at),
		Kind:      o.Kind,
		Status:    o.Status,
		Retcode:   o.Result.Retcode,
		Attempts:  o.Attempts,
		Order:     o.Result.Order,
		FillPrice: o.Result.Price,
		Elapsed:   o.Elapsed,
		CreatedAt: at,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}

	switch r := o.Request.(type) {
	case models.PlaceMarketOrder:
		e.Symbol, e.Side, e.Volume, e.Price = r.Symbol, string(r.Side), r.Volume, r.Price
		e.StopLoss, e.TakeProfit, e.Comment = r.StopLoss, r.TakeProfit, r.Comment
	case models.PlacePendingOrder:
		e.Symbol, e.Side, e.Volume, e.Price = r.Symbol, string(r.Side), r.Volume, r.Price
		e.StopLoss, e.TakeProfit, e.Comment = r.StopLoss, r.TakeProfit, r.Comment
	case models.ModifySLTP:
		e.Symbol, e.Ticket = r.Symbol, r.Ticket
		e.StopLoss, e.TakeProfit = r.StopLoss, r.TakeProfit
	case models.CancelOrder:
		e.Ticket = r.Ticket
	case models.CloseDeal:
		e.Symbol, e.Side, e.Ticket, e.Volume, e.Price = r.Symbol, string(r.Side), r.Ticket, r.Volume, r.Price
		e.Comment = r.Comment
	}
	if e.Symbol == "" {
		e.Symbol = o.Symbol
	}
	return e
}
