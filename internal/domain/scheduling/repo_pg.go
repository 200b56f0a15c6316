package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// pgError classifies a pgx error into the package taxonomy.
func pgError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case db.IsTransient(err):
		return StorageError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const weeklyCols = `doctor_id, day_of_week, time_ranges, slot_duration_minutes,
	max_appointments_per_slot, is_active, updated_at`

func scanWeekly(row pgx.Row) (*DoctorSchedule, error) {
	var s DoctorSchedule
	var day int16
	err := row.Scan(&s.DoctorID, &day, &s.TimeRanges, &s.SlotDurationMinutes,
		&s.MaxAppointmentsPerSlot, &s.IsActive, &s.UpdatedAt)
	s.DayOfWeek = Weekday(day)
	return &s, err
}

func (r *scheduleRepoPG) UpsertWeekly(ctx context.Context, s *DoctorSchedule) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_schedule (doctor_id, day_of_week, time_ranges, slot_duration_minutes,
			max_appointments_per_slot, is_active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (doctor_id, day_of_week) DO UPDATE SET
			time_ranges = EXCLUDED.time_ranges,
			slot_duration_minutes = EXCLUDED.slot_duration_minutes,
			max_appointments_per_slot = EXCLUDED.max_appointments_per_slot,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		s.DoctorID, int16(s.DayOfWeek), rangesOrEmpty(s.TimeRanges), s.SlotDurationMinutes,
		s.MaxAppointmentsPerSlot, s.IsActive, s.UpdatedAt)
	return pgError("upsert weekly schedule", err)
}

func (r *scheduleRepoPG) GetWeekly(ctx context.Context, doctorID uuid.UUID, day Weekday) (*DoctorSchedule, error) {
	s, err := scanWeekly(r.conn(ctx).QueryRow(ctx,
		`SELECT `+weeklyCols+` FROM doctor_schedule WHERE doctor_id = $1 AND day_of_week = $2`,
		doctorID, int16(day)))
	if err != nil {
		return nil, pgError("get weekly schedule", err)
	}
	return s, nil
}

func (r *scheduleRepoPG) ListWeekly(ctx context.Context, doctorID uuid.UUID) ([]*DoctorSchedule, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+weeklyCols+` FROM doctor_schedule WHERE doctor_id = $1 ORDER BY day_of_week`, doctorID)
	if err != nil {
		return nil, pgError("list weekly schedule", err)
	}
	defer rows.Close()
	var out []*DoctorSchedule
	for rows.Next() {
		s, err := scanWeekly(rows)
		if err != nil {
			return nil, pgError("scan weekly schedule", err)
		}
		out = append(out, s)
	}
	return out, pgError("list weekly schedule", rows.Err())
}

const exceptionCols = `doctor_id, exception_date::text, type, time_ranges, slot_duration_minutes,
	max_appointments_per_slot, note, created_at`

func scanException(row pgx.Row) (*ScheduleException, error) {
	var e ScheduleException
	var date, typ string
	err := row.Scan(&e.DoctorID, &date, &typ, &e.TimeRanges, &e.SlotDurationMinutes,
		&e.MaxAppointmentsPerSlot, &e.Note, &e.CreatedAt)
	e.Date, e.Type = Date(date), ExceptionType(typ)
	return &e, err
}

func (r *scheduleRepoPG) UpsertException(ctx context.Context, e *ScheduleException) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO schedule_exception (doctor_id, exception_date, type, time_ranges,
			slot_duration_minutes, max_appointments_per_slot, note, created_at)
		VALUES ($1,$2::date,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (doctor_id, exception_date) DO UPDATE SET
			type = EXCLUDED.type,
			time_ranges = EXCLUDED.time_ranges,
			slot_duration_minutes = EXCLUDED.slot_duration_minutes,
			max_appointments_per_slot = EXCLUDED.max_appointments_per_slot,
			note = EXCLUDED.note,
			created_at = EXCLUDED.created_at`,
		e.DoctorID, string(e.Date), string(e.Type), rangesOrEmpty(e.TimeRanges),
		e.SlotDurationMinutes, e.MaxAppointmentsPerSlot, e.Note, e.CreatedAt)
	return pgError("upsert schedule exception", err)
}

func (r *scheduleRepoPG) GetException(ctx context.Context, doctorID uuid.UUID, date Date) (*ScheduleException, error) {
	e, err := scanException(r.conn(ctx).QueryRow(ctx,
		`SELECT `+exceptionCols+` FROM schedule_exception WHERE doctor_id = $1 AND exception_date = $2::date`,
		doctorID, string(date)))
	if err != nil {
		return nil, pgError("get schedule exception", err)
	}
	return e, nil
}

func (r *scheduleRepoPG) DeleteException(ctx context.Context, doctorID uuid.UUID, date Date) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM schedule_exception WHERE doctor_id = $1 AND exception_date = $2::date`,
		doctorID, string(date))
	if err != nil {
		return pgError("delete schedule exception", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: exception on %s", ErrNotFound, date)
	}
	return nil
}

func (r *scheduleRepoPG) ListExceptions(ctx context.Context, doctorID uuid.UUID, from, to Date) ([]*ScheduleException, error) {
	query := `SELECT ` + exceptionCols + ` FROM schedule_exception WHERE doctor_id = $1`
	args := []interface{}{doctorID}
	if from != "" {
		args = append(args, string(from))
		query += fmt.Sprintf(` AND exception_date >= $%d::date`, len(args))
	}
	if to != "" {
		args = append(args, string(to))
		query += fmt.Sprintf(` AND exception_date <= $%d::date`, len(args))
	}
	query += ` ORDER BY exception_date`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, pgError("list schedule exceptions", err)
	}
	defer rows.Close()
	var out []*ScheduleException
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, pgError("scan schedule exception", err)
		}
		out = append(out, e)
	}
	return out, pgError("list schedule exceptions", rows.Err())
}

func rangesOrEmpty(r []TimeRange) []TimeRange {
	if r == nil {
		return []TimeRange{}
	}
	return r
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const apptCols = `id, doctor_id, patient_id, appointment_date::text, slot_start, slot_end,
	type, reason, priority, status, cancelled_by, cancellation_reason, rescheduled_from,
	created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date, typ, priority, status string
	var start, end int16
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &date, &start, &end,
		&typ, &a.Reason, &priority, &status, &a.CancelledBy, &a.CancellationReason, &a.RescheduledFrom,
		&a.CreatedAt, &a.UpdatedAt)
	a.Date = Date(date)
	a.Slot = TimeRange{Start: Clock(start), End: Clock(end)}
	a.Type, a.Priority, a.Status = AppointmentType(typ), Priority(priority), AppointmentStatus(status)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, appointment_date, slot_start, slot_end,
			type, reason, priority, status, cancelled_by, cancellation_reason, rescheduled_from,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.DoctorID, a.PatientID, string(a.Date), int16(a.Slot.Start), int16(a.Slot.End),
		string(a.Type), a.Reason, string(a.Priority), string(a.Status), a.CancelledBy,
		a.CancellationReason, a.RescheduledFrom, a.CreatedAt, a.UpdatedAt)
	return pgError("create appointment", err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("get appointment "+id.String(), err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status=$2, cancelled_by=$3, cancellation_reason=$4, updated_at=$5
		WHERE id = $1`,
		a.ID, string(a.Status), a.CancelledBy, a.CancellationReason, a.UpdatedAt)
	if err != nil {
		return pgError("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s", ErrNotFound, a.ID)
	}
	return nil
}

func (r *appointmentRepoPG) collect(rows pgx.Rows, op string) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, pgError(op, err)
		}
		out = append(out, a)
	}
	return out, pgError(op, rows.Err())
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2::date
		ORDER BY slot_start, created_at`,
		doctorID, string(date))
	if err != nil {
		return nil, pgError("list appointments", err)
	}
	return r.collect(rows, "list appointments")
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Date != "" {
		add("appointment_date = $%d::date", string(f.Date))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+cond, args...).Scan(&total); err != nil {
		return nil, 0, pgError("count appointments", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + cond + ` ORDER BY appointment_date, slot_start, created_at`
	args = append(args, limit, offset)
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, pgError("search appointments", err)
	}
	out, err := r.collect(rows, "search appointments")
	return out, total, err
}

func (r *appointmentRepoPG) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointment
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, pgError("list pending appointments", err)
	}
	return r.collect(rows, "list pending appointments")
}
