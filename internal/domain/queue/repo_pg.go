package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
)

func pgError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return fmt.Errorf("%w: %s", scheduling.ErrNotFound, op)
	case db.IsUniqueViolation(err, "uq_queue_appointment_live"):
		return fmt.Errorf("%w: appointment is already checked in", ErrInvalidAppointment)
	case db.IsTransient(err):
		return scheduling.StorageError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const entryCols = `id, doctor_id, queue_date::text, appointment_id, token_number, patient_id,
	priority, emergency, status, enqueued_at, called_at, completed_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var date, priority, status string
	err := row.Scan(&e.ID, &e.DoctorID, &date, &e.AppointmentID, &e.TokenNumber, &e.PatientID,
		&priority, &e.Emergency, &status, &e.EnqueuedAt, &e.CalledAt, &e.CompletedAt)
	e.Date = scheduling.Date(date)
	e.Priority, e.Status = scheduling.Priority(priority), Status(status)
	return &e, err
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_entry (id, doctor_id, queue_date, appointment_id, token_number, patient_id,
			priority, emergency, status, enqueued_at, called_at, completed_at)
		VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.DoctorID, string(e.Date), e.AppointmentID, e.TokenNumber, e.PatientID,
		string(e.Priority), e.Emergency, string(e.Status), e.EnqueuedAt, e.CalledAt, e.CompletedAt)
	return pgError("create queue entry", err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("get queue entry "+id.String(), err)
	}
	return e, nil
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entry SET status=$2, called_at=$3, completed_at=$4
		WHERE id = $1`,
		e.ID, string(e.Status), e.CalledAt, e.CompletedAt)
	if err != nil {
		return pgError("update queue entry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue entry %s", scheduling.ErrNotFound, e.ID)
	}
	return nil
}

func (r *repoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM queue_entry
		WHERE doctor_id = $1 AND queue_date = $2::date
		ORDER BY token_number`,
		doctorID, string(date))
	if err != nil {
		return nil, pgError("list queue", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, pgError("list queue", err)
		}
		out = append(out, e)
	}
	return out, pgError("list queue", rows.Err())
}

func (r *repoPG) LastToken(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) (int, error) {
	var last int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(token_number), 0) FROM queue_entry WHERE doctor_id = $1 AND queue_date = $2::date`,
		doctorID, string(date)).Scan(&last)
	return last, pgError("last token", err)
}

func (r *repoPG) FindActiveByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM queue_entry WHERE appointment_id = $1 AND status <> 'cancelled'`,
		appointmentID))
	if err != nil {
		return nil, pgError("find queue entry by appointment", err)
	}
	return e, nil
}
