package sqlguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Fixed-width UTC layout so stored timestamps sort lexically.
const storeTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS query_log (
	id          TEXT PRIMARY KEY,
	executed_at TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	admin_id    TEXT,
	sql_raw     TEXT NOT NULL,
	sql_summary TEXT,
	return_rows INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_executed_at ON query_log(executed_at);
CREATE INDEX IF NOT EXISTS idx_query_log_user_id ON query_log(user_id);

CREATE TABLE IF NOT EXISTS detection_event (
	id          TEXT PRIMARY KEY,
	log_id      TEXT,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	evidence    TEXT NOT NULL,
	rule        TEXT,
	principal   TEXT
);
CREATE INDEX IF NOT EXISTS idx_detection_event_occurred_at ON detection_event(occurred_at);
CREATE INDEX IF NOT EXISTS idx_detection_event_log_id ON detection_event(log_id);

CREATE TABLE IF NOT EXISTS notification_log (
	id            TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL,
	channel       TEXT NOT NULL,
	status        TEXT NOT NULL,
	recipient     TEXT,
	error_code    TEXT,
	error_message TEXT,
	sent_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_log_event_id ON notification_log(event_id);
`

func formatStoreTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func parseStoreTime(s string) time.Time {
	t, err := time.Parse(storeTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type recordRow struct {
	ID         string         `db:"id"`
	ExecutedAt string         `db:"executed_at"`
	UserID     string         `db:"user_id"`
	AdminID    sql.NullString `db:"admin_id"`
	SQLRaw     string         `db:"sql_raw"`
	SQLSummary sql.NullString `db:"sql_summary"`
	ReturnRows int64          `db:"return_rows"`
	Status     string         `db:"status"`
}

func newRecordRow(rec *QueryActivityRecord) recordRow {
	return recordRow{
		ID:         rec.ID,
		ExecutedAt: formatStoreTime(rec.OccurredAt),
		UserID:     rec.Principal,
		AdminID:    nullString(rec.AdminID),
		SQLRaw:     rec.RawText,
		SQLSummary: nullString(rec.Summary),
		ReturnRows: rec.RowCount,
		Status:     string(rec.Outcome),
	}
}

func (r recordRow) record() *QueryActivityRecord {
	return &QueryActivityRecord{
		ID:         r.ID,
		OccurredAt: parseStoreTime(r.ExecutedAt),
		Principal:  r.UserID,
		AdminID:    r.AdminID.String,
		RawText:    r.SQLRaw,
		Summary:    r.SQLSummary.String,
		RowCount:   r.ReturnRows,
		Outcome:    Outcome(r.Status),
	}
}

type findingRow struct {
	ID         string         `db:"id"`
	LogID      sql.NullString `db:"log_id"`
	EventType  string         `db:"event_type"`
	Severity   string         `db:"severity"`
	OccurredAt string         `db:"occurred_at"`
	Evidence   string         `db:"evidence"`
	Rule       sql.NullString `db:"rule"`
	Principal  sql.NullString `db:"principal"`
}

func (r findingRow) finding() *Finding {
	return &Finding{
		ID:             r.ID,
		SourceRecordID: r.LogID.String,
		Kind:           FindingKind(r.EventType),
		Severity:       Severity(r.Severity),
		OccurredAt:     parseStoreTime(r.OccurredAt),
		Evidence:       r.Evidence,
		Rule:           r.Rule.String,
		Principal:      r.Principal.String,
	}
}

type findingJoinRow struct {
	findingRow
	QID         sql.NullString `db:"q_id"`
	QExecutedAt sql.NullString `db:"q_executed_at"`
	QUserID     sql.NullString `db:"q_user_id"`
	QAdminID    sql.NullString `db:"q_admin_id"`
	QSQLRaw     sql.NullString `db:"q_sql_raw"`
	QSQLSummary sql.NullString `db:"q_sql_summary"`
	QReturnRows sql.NullInt64  `db:"q_return_rows"`
	QStatus     sql.NullString `db:"q_status"`
}

func (r findingJoinRow) view() FindingView {
	v := FindingView{Finding: *r.finding()}
	if r.QID.Valid {
		v.Record = recordRow{
			ID:         r.QID.String,
			ExecutedAt: r.QExecutedAt.String,
			UserID:     r.QUserID.String,
			AdminID:    r.QAdminID,
			SQLRaw:     r.QSQLRaw.String,
			SQLSummary: r.QSQLSummary,
			ReturnRows: r.QReturnRows.Int64,
			Status:     r.QStatus.String,
		}.record()
	}
	return v
}

type outcomeRow struct {
	ID           string         `db:"id"`
	EventID      string         `db:"event_id"`
	Channel      string         `db:"channel"`
	Status       string         `db:"status"`
	Recipient    sql.NullString `db:"recipient"`
	ErrorCode    sql.NullString `db:"error_code"`
	ErrorMessage sql.NullString `db:"error_message"`
	SentAt       string         `db:"sent_at"`
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLiteStore opens dsn and creates the schema if needed.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*QueryActivityRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM query_log WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return row.record(), nil
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *QueryActivityRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record has no id")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO query_log (id, executed_at, user_id, admin_id, sql_raw, sql_summary, return_rows, status)
		VALUES (:id, :executed_at, :user_id, :admin_id, :sql_raw, :sql_summary, :return_rows, :status)
		ON CONFLICT(id) DO UPDATE SET
			executed_at = excluded.executed_at,
			user_id     = excluded.user_id,
			admin_id    = excluded.admin_id,
			sql_raw     = excluded.sql_raw,
			sql_summary = excluded.sql_summary,
			return_rows = excluded.return_rows,
			status      = excluded.status`, newRecordRow(rec))
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SearchRecords(ctx context.Context, filter RecordFilter) (*RecordPage, error) {
	page, size := clampPage(filter.Page, filter.Size)
	var where []string
	var args []any
	if filter.User != "" {
		where = append(where, "instr(user_id, ?) > 0")
		args = append(args, filter.User)
	}
	if filter.Outcome != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Keywords != "" {
		where = append(where, "instr(lower(coalesce(sql_summary, '')), lower(?)) > 0")
		args = append(args, filter.Keywords)
	}
	if !filter.From.IsZero() {
		where = append(where, "executed_at >= ?")
		args = append(args, formatStoreTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "executed_at < ?")
		args = append(args, formatStoreTime(filter.To))
	}
	clause := whereClause(where)

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM query_log`+clause, args...); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	var rows []recordRow
	query := `SELECT * FROM query_log` + clause + ` ORDER BY executed_at DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, query, append(args, size, page*size)...); err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	items := make([]*QueryActivityRecord, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.record())
	}
	return &RecordPage{Items: items, Page: page, Size: size, Total: total}, nil
}

func (s *SQLiteStore) SaveFinding(ctx context.Context, f *Finding) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("finding has no id")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO detection_event (id, log_id, event_type, severity, occurred_at, evidence, rule, principal)
		VALUES (:id, :log_id, :event_type, :severity, :occurred_at, :evidence, :rule, :principal)`,
		findingRow{
			ID:         f.ID,
			LogID:      nullString(f.SourceRecordID),
			EventType:  string(f.Kind),
			Severity:   string(f.Severity),
			OccurredAt: formatStoreTime(f.OccurredAt),
			Evidence:   f.Evidence,
			Rule:       nullString(f.Rule),
			Principal:  nullString(f.Principal),
		})
	if err != nil {
		return fmt.Errorf("save finding %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetFinding(ctx context.Context, id string) (*Finding, error) {
	var row findingRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM detection_event WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get finding %s: %w", id, err)
	}
	return row.finding(), nil
}

const findingJoinColumns = `
	e.id, e.log_id, e.event_type, e.severity, e.occurred_at, e.evidence, e.rule, e.principal,
	q.id AS q_id, q.executed_at AS q_executed_at, q.user_id AS q_user_id, q.admin_id AS q_admin_id,
	q.sql_raw AS q_sql_raw, q.sql_summary AS q_sql_summary, q.return_rows AS q_return_rows, q.status AS q_status`

func (s *SQLiteStore) SearchFindings(ctx context.Context, filter FindingFilter) (*FindingPage, error) {
	page, size := clampPage(filter.Page, filter.Size)
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "e.event_type = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Severity != "" {
		where = append(where, "e.severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.From.IsZero() {
		where = append(where, "e.occurred_at >= ?")
		args = append(args, formatStoreTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "e.occurred_at < ?")
		args = append(args, formatStoreTime(filter.To))
	}
	if filter.User != "" {
		where = append(where, "instr(q.user_id, ?) > 0")
		args = append(args, filter.User)
	}
	if filter.AdminID != "" {
		where = append(where, "q.admin_id = ?")
		args = append(args, filter.AdminID)
	}
	if filter.Query != "" {
		where = append(where, "instr(e.evidence, ?) > 0")
		args = append(args, filter.Query)
	}
	from := ` FROM detection_event e LEFT JOIN query_log q ON q.id = e.log_id` + whereClause(where)

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*)`+from, args...); err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	var rows []findingJoinRow
	query := `SELECT` + findingJoinColumns + from + ` ORDER BY e.occurred_at DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, query, append(args, size, page*size)...); err != nil {
		return nil, fmt.Errorf("search findings: %w", err)
	}
	items := make([]FindingView, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.view())
	}
	return &FindingPage{Items: items, Page: page, Size: size, Total: total}, nil
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o *NotificationOutcome) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("outcome has no id")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_log (id, event_id, channel, status, recipient, error_code, error_message, sent_at)
		VALUES (:id, :event_id, :channel, :status, :recipient, :error_code, :error_message, :sent_at)`,
		outcomeRow{
			ID:           o.ID,
			EventID:      o.FindingID,
			Channel:      string(o.Channel),
			Status:       string(o.Status),
			Recipient:    nullString(o.Recipient),
			ErrorCode:    nullString(o.ErrorCode),
			ErrorMessage: nullString(o.ErrorMessage),
			SentAt:       formatStoreTime(o.SentAt),
		})
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, findingID string) ([]*NotificationOutcome, error) {
	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM notification_log WHERE event_id = ? ORDER BY sent_at, channel`, findingID); err != nil {
		return nil, fmt.Errorf("list outcomes for %s: %w", findingID, err)
	}
	out := make([]*NotificationOutcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, &NotificationOutcome{
			ID:           r.ID,
			FindingID:    r.EventID,
			Channel:      Channel(r.Channel),
			Status:       DeliveryStatus(r.Status),
			Recipient:    r.Recipient.String,
			ErrorCode:    r.ErrorCode.String,
			ErrorMessage: r.ErrorMessage.String,
			SentAt:       parseStoreTime(r.SentAt),
		})
	}
	return out, nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
