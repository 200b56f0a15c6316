package scheduling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
	"github.com/clinic/clinic/pkg/validation"
)

type Handler struct {
	schedules *ScheduleStore
	slots     Availability
	ledger    *Ledger
	logger    zerolog.Logger
}

// NewHandler serves slot reads from slots, which may be a cache in front of
// the generator. Writes always go through the ledger.
func NewHandler(schedules *ScheduleStore, slots Availability, ledger *Ledger, logger zerolog.Logger) *Handler {
	return &Handler{schedules: schedules, slots: slots, ledger: ledger, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := []string{auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist}
	everyone := append([]string{auth.RolePatient}, staff...)

	read := api.Group("", auth.RequireRole(everyone...))
	read.GET("/doctors/:doctorId/slots", h.AvailableSlots)
	read.GET("/doctors/:doctorId/schedule", h.GetWeekly)
	read.GET("/doctors/:doctorId/exceptions", h.ListExceptions)
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/:id", h.GetAppointment)

	// Schedule management belongs to the doctor; admin passes RequireRole.
	sched := api.Group("", auth.RequireRole(auth.RoleDoctor))
	sched.PUT("/doctors/:doctorId/schedule/:day", h.PutWeekly)
	sched.POST("/doctors/:doctorId/exceptions", h.PutException)
	sched.DELETE("/doctors/:doctorId/exceptions/:date", h.DeleteException)

	book := api.Group("", auth.RequireRole(everyone...))
	book.POST("/appointments", h.BookAppointment)
	book.PUT("/appointments/:id/status", h.ChangeStatus)
	book.PUT("/appointments/:id/reschedule", h.Reschedule)
}

// -- Requests --

type slotBody struct {
	Start string `json:"start" validate:"required,clock"`
	End   string `json:"end" validate:"required,clock"`
}

func (b slotBody) toRange() TimeRange {
	return TimeRange{Start: MustClock(b.Start), End: MustClock(b.End)}
}

type weeklyRequest struct {
	TimeRanges             []slotBody `json:"time_ranges" validate:"dive"`
	SlotDurationMinutes    int        `json:"slot_duration_minutes" validate:"required,gt=0,lte=1440"`
	MaxAppointmentsPerSlot int        `json:"max_appointments_per_slot" validate:"required,gt=0"`
	IsActive               *bool      `json:"is_active"`
}

type exceptionRequest struct {
	Date                   string     `json:"date" validate:"required,date"`
	Type                   string     `json:"type" validate:"required,oneof=unavailable extra_hours"`
	TimeRanges             []slotBody `json:"time_ranges" validate:"dive"`
	SlotDurationMinutes    *int       `json:"slot_duration_minutes" validate:"omitempty,gt=0,lte=1440"`
	MaxAppointmentsPerSlot *int       `json:"max_appointments_per_slot" validate:"omitempty,gt=0"`
	Note                   *string    `json:"note" validate:"omitempty,max=500"`
}

type bookRequest struct {
	DoctorID  string   `json:"doctor_id" validate:"required,uuid"`
	PatientID string   `json:"patient_id" validate:"required,uuid"`
	Date      string   `json:"date" validate:"required,date"`
	Slot      slotBody `json:"slot"`
	Type      string   `json:"type" validate:"omitempty,oneof=consultation follow_up emergency routine_checkup procedure"`
	Reason    string   `json:"reason" validate:"max=500"`
	Priority  string   `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed completed cancelled no_show"`
	Reason string `json:"reason" validate:"max=500"`
}

type rescheduleRequest struct {
	Date string   `json:"date" validate:"required,date"`
	Slot slotBody `json:"slot"`
}

// bindValid binds and validates the JSON body into req.
func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return newValidationError("request body is not valid JSON")
	}
	if err := c.Validate(req); err != nil {
		return newValidationError(validation.Messages(err)...)
	}
	return nil
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, newValidationError(name + " must be a UUID")
	}
	return id, nil
}

func queryDate(c echo.Context, name string, required bool) (Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		if required {
			return "", newValidationError(name + " is required")
		}
		return "", nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return "", newValidationError(name + " must be a date in YYYY-MM-DD format")
	}
	return d, nil
}

// ActorFrom builds the write actor from the request identity.
func ActorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Role: auth.PrimaryRole(auth.RolesFromContext(ctx))}
}

func forbidden(c echo.Context, msg string) error {
	return c.JSON(http.StatusForbidden, errorBody{Error: "Forbidden", Message: msg})
}

// ownsDoctor stops a doctor from editing another doctor's schedule.
func ownsDoctor(c echo.Context, doctorID uuid.UUID) bool {
	ctx := c.Request().Context()
	roles := auth.RolesFromContext(ctx)
	if auth.PrimaryRole(roles) != auth.RoleDoctor {
		return true
	}
	return auth.UserIDFromContext(ctx) == doctorID.String()
}

// patientScope returns the caller's own patient id when the caller holds
// nothing but the patient role.
func patientScope(c echo.Context) (string, bool) {
	ctx := c.Request().Context()
	if !auth.OnlyPatient(auth.RolesFromContext(ctx)) {
		return "", false
	}
	return auth.UserIDFromContext(ctx), true
}

// -- Slots & schedules --

type slotView struct {
	Start       Clock `json:"start"`
	End         Clock `json:"end"`
	Capacity    int   `json:"capacity"`
	BookedCount int   `json:"booked_count"`
	Remaining   int   `json:"remaining"`
	Bookable    bool  `json:"bookable"`
}

type slotsResponse struct {
	DoctorID uuid.UUID  `json:"doctor_id"`
	Date     Date       `json:"date"`
	Slots    []slotView `json:"slots"`
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	date, err := queryDate(c, "date", true)
	if err != nil {
		return h.writeError(c, err)
	}
	slots, err := h.slots.AvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.writeError(c, err)
	}
	out := slotsResponse{DoctorID: doctorID, Date: date, Slots: make([]slotView, 0, len(slots))}
	for _, s := range slots {
		out.Slots = append(out.Slots, slotView{
			Start:       s.Start,
			End:         s.End,
			Capacity:    s.Capacity,
			BookedCount: s.BookedCount,
			Remaining:   s.Remaining(),
			Bookable:    s.Bookable(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetWeekly(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	items, err := h.schedules.Weekly(c.Request().Context(), doctorID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctor_id": doctorID, "days": items})
}

func (h *Handler) PutWeekly(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	if !ownsDoctor(c, doctorID) {
		return forbidden(c, "doctors may only manage their own schedule")
	}
	day, err := ParseWeekday(c.Param("day"))
	if err != nil {
		return h.writeError(c, newValidationError("day must be a weekday name"))
	}
	var req weeklyRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	sched := &DoctorSchedule{
		DoctorID:               doctorID,
		DayOfWeek:              day,
		SlotDurationMinutes:    req.SlotDurationMinutes,
		MaxAppointmentsPerSlot: req.MaxAppointmentsPerSlot,
		IsActive:               req.IsActive == nil || *req.IsActive,
	}
	for _, r := range req.TimeRanges {
		sched.TimeRanges = append(sched.TimeRanges, r.toRange())
	}
	if err := h.schedules.SetWeekly(c.Request().Context(), sched); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ListExceptions(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	from, err := queryDate(c, "from", false)
	if err != nil {
		return h.writeError(c, err)
	}
	to, err := queryDate(c, "to", false)
	if err != nil {
		return h.writeError(c, err)
	}
	items, err := h.schedules.Exceptions(c.Request().Context(), doctorID, from, to)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctor_id": doctorID, "exceptions": items})
}

func (h *Handler) PutException(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	if !ownsDoctor(c, doctorID) {
		return forbidden(c, "doctors may only manage their own schedule")
	}
	var req exceptionRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	exc := &ScheduleException{
		DoctorID:               doctorID,
		Date:                   Date(req.Date),
		Type:                   ExceptionType(req.Type),
		SlotDurationMinutes:    req.SlotDurationMinutes,
		MaxAppointmentsPerSlot: req.MaxAppointmentsPerSlot,
		Note:                   req.Note,
	}
	for _, r := range req.TimeRanges {
		exc.TimeRanges = append(exc.TimeRanges, r.toRange())
	}
	if err := h.schedules.SetException(c.Request().Context(), exc); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, exc)
}

func (h *Handler) DeleteException(c echo.Context) error {
	doctorID, err := pathUUID(c, "doctorId")
	if err != nil {
		return h.writeError(c, err)
	}
	if !ownsDoctor(c, doctorID) {
		return forbidden(c, "doctors may only manage their own schedule")
	}
	date, err := ParseDate(c.Param("date"))
	if err != nil {
		return h.writeError(c, newValidationError("date must be a date in YYYY-MM-DD format"))
	}
	if err := h.schedules.RemoveException(c.Request().Context(), doctorID, date); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	var req bookRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	if self, ok := patientScope(c); ok && self != req.PatientID {
		return forbidden(c, "patients may only book for themselves")
	}
	a, err := h.ledger.Book(c.Request().Context(), BookingRequest{
		DoctorID:  uuid.MustParse(req.DoctorID),
		PatientID: uuid.MustParse(req.PatientID),
		Date:      Date(req.Date),
		Slot:      req.Slot.toRange(),
		Type:      AppointmentType(req.Type),
		Reason:    strings.TrimSpace(req.Reason),
		Priority:  Priority(req.Priority),
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// loadOwned fetches the appointment and hides other patients' records from
// patient callers.
func (h *Handler) loadOwned(c echo.Context) (*Appointment, error) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return nil, err
	}
	a, err := h.ledger.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if self, ok := patientScope(c); ok && self != a.PatientID.String() {
		return nil, ErrNotFound
	}
	return a, nil
}

func (h *Handler) GetAppointment(c echo.Context) error {
	a, err := h.loadOwned(c)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AppointmentFilter
	for name, dst := range map[string]**uuid.UUID{"doctor_id": &f.DoctorID, "patient_id": &f.PatientID} {
		if raw := c.QueryParam(name); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return h.writeError(c, newValidationError(name+" must be a UUID"))
			}
			*dst = &id
		}
	}
	date, err := queryDate(c, "date", false)
	if err != nil {
		return h.writeError(c, err)
	}
	f.Date = date
	if s := c.QueryParam("status"); s != "" {
		f.Status = AppointmentStatus(s)
		if !f.Status.Valid() {
			return h.writeError(c, newValidationError("status is invalid"))
		}
	}
	if self, ok := patientScope(c); ok {
		id, err := uuid.Parse(self)
		if err != nil {
			return c.JSON(http.StatusOK, pagination.NewResponse([]*Appointment{}, 0, pg.Limit, pg.Offset))
		}
		f.PatientID = &id
	}

	items, total, err := h.ledger.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	a, err := h.loadOwned(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req statusRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	next := AppointmentStatus(req.Status)
	if _, ok := patientScope(c); ok && next != StatusCancelled {
		return forbidden(c, "patients may only cancel their appointments")
	}
	updated, err := h.ledger.ChangeStatus(c.Request().Context(), a.ID, next, ActorFrom(c), strings.TrimSpace(req.Reason))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Reschedule(c echo.Context) error {
	a, err := h.loadOwned(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req rescheduleRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	booked, err := h.ledger.Reschedule(c.Request().Context(), a.ID, Date(req.Date), req.Slot.toRange(), ActorFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, booked)
}

// -- Errors --

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// StatusFor maps a domain error onto its HTTP status.
func StatusFor(err error) int {
	switch Kind(err) {
	case "SlotUnavailable", "DuplicateBooking", "InvalidStateTransition":
		return http.StatusConflict
	case "NotFound":
		return http.StatusNotFound
	case "ValidationError":
		return http.StatusBadRequest
	case "StorageUnavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c echo.Context, err error) error {
	return WriteError(c, h.logger, err)
}

// WriteError renders err as {"error": kind, "message": ...}. Infrastructure
// failures are logged and reported without detail.
func WriteError(c echo.Context, logger zerolog.Logger, err error) error {
	status := StatusFor(err)
	body := errorBody{Error: Kind(err), Message: err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	switch status {
	case http.StatusServiceUnavailable:
		logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("storage unavailable")
		body.Message = "storage is temporarily unavailable, retry later"
	case http.StatusInternalServerError:
		logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unexpected error")
		body.Error = "InternalError"
		body.Message = "internal server error"
	}
	return c.JSON(status, body)
}
