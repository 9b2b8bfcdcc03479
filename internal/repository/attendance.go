package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/model"
)

// AttendanceRepository is the attendance store. UpsertDaily is the only
// write on the verification path and must be atomic per (email, date).
type AttendanceRepository interface {
	FindTeacher(ctx context.Context, email string) (*model.Teacher, error)
	SaveTeacher(ctx context.Context, teacher model.Teacher) error
	FindByDate(ctx context.Context, email string, date string) (*model.AttendanceRecord, error)
	UpsertDaily(ctx context.Context, params model.UpsertAttendanceParams) (*model.UpsertResult, error)
	ListByIdentity(ctx context.Context, email string, limit int) ([]model.AttendanceRecord, error)
}

// attendanceDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type attendanceDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type attendanceRepo struct {
	db attendanceDB
}

func NewAttendanceRepository(db *sqlx.DB) AttendanceRepository {
	return &attendanceRepo{db: db}
}

const attendanceColumns = `
	email,
	to_char(date, 'YYYY-MM-DD') AS date,
	to_char(time, 'HH24:MI:SS') AS time,
	face_matched, location_matched, verified`

func (r *attendanceRepo) FindTeacher(ctx context.Context, email string) (*model.Teacher, error) {
	var teacher model.Teacher
	err := r.db.GetContext(ctx, &teacher, `
		SELECT email, name, image_url FROM teachers WHERE email = $1
	`, email)
	found, err := HandleNotFound(&teacher, err)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return found, nil
}

func (r *attendanceRepo) SaveTeacher(ctx context.Context, teacher model.Teacher) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO teachers (email, name, image_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			image_url = EXCLUDED.image_url
	`, teacher.Email, teacher.Name, teacher.ImageURL)
	if err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (r *attendanceRepo) FindByDate(ctx context.Context, email string, date string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT `+attendanceColumns+`
		FROM attendance
		WHERE email = $1 AND date = $2::date
	`, email, date)
	found, err := HandleNotFound(&rec, err)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return found, nil
}

type upsertRow struct {
	model.AttendanceRecord
	Inserted bool `db:"inserted"`
}

// UpsertDaily writes today's entry in one statement. The SELECT from
// teachers makes an unknown email insert nothing, which is reported as
// NOT_FOUND. xmax = 0 distinguishes a fresh insert from the conflict update.
func (r *attendanceRepo) UpsertDaily(ctx context.Context, params model.UpsertAttendanceParams) (*model.UpsertResult, error) {
	var row upsertRow
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO attendance (email, date, time, face_matched, location_matched, verified)
		SELECT t.email, $2::date, $3::time, $4, $5, $6
		FROM teachers t
		WHERE t.email = $1
		ON CONFLICT (email, date) DO UPDATE SET
			time = EXCLUDED.time,
			face_matched = EXCLUDED.face_matched,
			location_matched = EXCLUDED.location_matched,
			verified = EXCLUDED.verified,
			updated_at = NOW()
		RETURNING `+attendanceColumns+`, (xmax = 0) AS inserted
	`, params.Email, params.Date, params.Time, params.FaceMatched, params.LocationMatched, params.Verified())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("Teacher")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	action := model.UpsertActionUpdated
	if row.Inserted {
		action = model.UpsertActionCreated
	}
	return &model.UpsertResult{Action: action, Record: row.AttendanceRecord}, nil
}

func (r *attendanceRepo) ListByIdentity(ctx context.Context, email string, limit int) ([]model.AttendanceRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var records []model.AttendanceRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT `+attendanceColumns+`
		FROM attendance
		WHERE email = $1
		ORDER BY date DESC
		LIMIT $2
	`, email, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	return records, nil
}
