package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"nijasafe/internal/geo"
)

const selectColumns = `id, user_id, type, lat, lng, severity, description, status,
	responders, session_id, extensions, created_at, updated_at`

// PostgresRepository：记录存于 emergencies 表
// 约束：Update 内以 SELECT ... FOR UPDATE 保证单条记录的原子性
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Create(ctx context.Context, r *Record) error {
	responders, ext, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO emergencies
		(id, user_id, type, lat, lng, severity, description, status, responders, session_id, extensions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.UserID, string(r.Type), r.Coordinates.Lat, r.Coordinates.Lng, string(r.Severity),
		r.Description, string(r.Status), responders, r.SessionID, ext, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetByID：无匹配行时返回 nil, nil
func (p *PostgresRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM emergencies WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// Nearby：SQL 侧按包围盒预筛，按创建时间倒序流式读取并精确计算球面距离，达到上限即停
func (p *PostgresRepository) Nearby(ctx context.Context, q NearbyQuery) ([]*Record, error) {
	box := geo.BoundingBox(q.Center, q.RadiusMeters)
	query := `SELECT ` + selectColumns + ` FROM emergencies
		WHERE status <> 'resolved' AND lat BETWEEN $1 AND $2`
	args := []any{box.MinLat, box.MaxLat}
	if !box.WrapsLng {
		query += ` AND lng BETWEEN $3 AND $4`
		args = append(args, box.MinLng, box.MaxLng)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !nearbyFilter(q, r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Update(ctx context.Context, id string, fn MutateFunc) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM emergencies WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	responders, ext, err := encodeJSONColumns(r)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE emergencies
		SET status = $2, responders = $3, extensions = $4, updated_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), responders, ext, r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		r                  Record
		typ, sev, status   string
		responders, extRaw []byte
	)
	err := s.Scan(&r.ID, &r.UserID, &typ, &r.Coordinates.Lat, &r.Coordinates.Lng, &sev,
		&r.Description, &status, &responders, &r.SessionID, &extRaw, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type, r.Severity, r.Status = Type(typ), Severity(sev), Status(status)
	r.Responders = []Responder{}
	if len(responders) > 0 {
		if err := json.Unmarshal(responders, &r.Responders); err != nil {
			return nil, fmt.Errorf("decode responders of %s: %w", r.ID, err)
		}
	}
	if len(extRaw) > 0 {
		if err := json.Unmarshal(extRaw, &r.Extensions); err != nil {
			return nil, fmt.Errorf("decode extensions of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// encodeJSONColumns：JSONB 列以文本传入
// 约束：lib/pq 会把 []byte 作为 bytea 发送
func encodeJSONColumns(r *Record) (string, sql.NullString, error) {
	rs := r.Responders
	if rs == nil {
		rs = []Responder{}
	}
	responders, err := json.Marshal(rs)
	if err != nil {
		return "", sql.NullString{}, err
	}
	var ext sql.NullString
	if len(r.Extensions) > 0 {
		b, err := json.Marshal(r.Extensions)
		if err != nil {
			return "", sql.NullString{}, err
		}
		ext = sql.NullString{String: string(b), Valid: true}
	}
	return string(responders), ext, nil
}
