package queue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/validation"
)

type Handler struct {
	manager *Manager
	logger  zerolog.Logger
}

func NewHandler(manager *Manager, logger zerolog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist)

	g := api.Group("/queue")
	g.POST("", h.Enqueue, staff)
	g.POST("/call-next", h.CallNext, auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	g.PUT("/:id/status", h.ChangeStatus, staff)
	g.GET("", h.Snapshot, staff)
	g.GET("/:id", h.Get, auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist, auth.RolePatient))
}

type enqueueRequest struct {
	DoctorID      string `json:"doctor_id" validate:"required,uuid"`
	Date          string `json:"date" validate:"required,date"`
	PatientID     string `json:"patient_id" validate:"omitempty,uuid"`
	AppointmentID string `json:"appointment_id" validate:"omitempty,uuid"`
	Priority      string `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Emergency     bool   `json:"emergency"`
}

type callNextRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	Date     string `json:"date" validate:"required,date"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=waiting in_consultation completed no_show cancelled"`
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return &scheduling.ValidationError{Fields: []string{"request body is not valid JSON"}}
	}
	if err := c.Validate(req); err != nil {
		return &scheduling.ValidationError{Fields: validation.Messages(err)}
	}
	return nil
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	in := EnqueueRequest{
		DoctorID:  uuid.MustParse(req.DoctorID),
		Date:      scheduling.Date(req.Date),
		Priority:  scheduling.Priority(req.Priority),
		Emergency: req.Emergency,
	}
	if req.PatientID != "" {
		in.PatientID = uuid.MustParse(req.PatientID)
	}
	if req.AppointmentID != "" {
		id := uuid.MustParse(req.AppointmentID)
		in.AppointmentID = &id
	}
	e, err := h.manager.Enqueue(c.Request().Context(), in, scheduling.ActorFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) CallNext(c echo.Context) error {
	var req callNextRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	e, err := h.manager.CallNext(c.Request().Context(), uuid.MustParse(req.DoctorID), scheduling.Date(req.Date), scheduling.ActorFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.writeError(c, &scheduling.ValidationError{Fields: []string{"id must be a UUID"}})
	}
	var req statusRequest
	if err := bindValid(c, &req); err != nil {
		return h.writeError(c, err)
	}
	e, err := h.manager.ChangeStatus(c.Request().Context(), id, Status(req.Status), scheduling.ActorFrom(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Snapshot(c echo.Context) error {
	doctorID, err := uuid.Parse(c.QueryParam("doctor_id"))
	if err != nil {
		return h.writeError(c, &scheduling.ValidationError{Fields: []string{"doctor_id must be a UUID"}})
	}
	date, err := scheduling.ParseDate(c.QueryParam("date"))
	if err != nil {
		return h.writeError(c, &scheduling.ValidationError{Fields: []string{"date must be a date in YYYY-MM-DD format"}})
	}
	snap, err := h.manager.Snapshot(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.writeError(c, &scheduling.ValidationError{Fields: []string{"id must be a UUID"}})
	}
	e, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	ctx := c.Request().Context()
	if auth.OnlyPatient(auth.RolesFromContext(ctx)) && auth.UserIDFromContext(ctx) != e.PatientID.String() {
		return h.writeError(c, scheduling.ErrNotFound)
	}
	return c.JSON(http.StatusOK, e)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(c echo.Context, err error) error {
	switch Kind(err) {
	case "InvalidAppointment":
		return c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "InvalidAppointment", Message: err.Error()})
	case "EmptyQueue":
		return c.JSON(http.StatusNotFound, errorBody{Error: "EmptyQueue", Message: err.Error()})
	}
	return scheduling.WriteError(c, h.logger, err)
}
