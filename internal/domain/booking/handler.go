package booking

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/portal/internal/domain/identity"
	"github.com/clinic/portal/internal/platform/apperr"
	"github.com/clinic/portal/internal/platform/audit"
	"github.com/clinic/portal/internal/platform/auth"
	"github.com/clinic/portal/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := auth.RequireRole(identity.RolePatient)

	g := api.Group("/appointments")
	g.POST("", h.Book, patient)
	g.GET("", h.List)
	g.GET("/pending-merges", h.ListPendingMerges)
	g.GET("/:id", h.Get)
	g.POST("/:id/merge", h.ResolveMerge, patient)
	g.GET("/:id/merge-history", h.MergeHistory)

	api.GET("/doctors/:id/slots/check", h.CheckSlot)
}

type bookAppointmentRequest struct {
	DoctorID          string    `json:"doctorId" validate:"required,uuid"`
	AppointmentDate   time.Time `json:"appointmentDate"`
	AppointmentType   string    `json:"appointmentType" validate:"required,oneof=IN_PERSON ONLINE"`
	ServiceType       string    `json:"serviceType" validate:"required,max=100"`
	Duration          int       `json:"duration" validate:"gte=0,lte=480"`
	BookingFor        string    `json:"bookingFor" validate:"required,oneof=MYSELF FAMILY_MEMBER SOMEONE_ELSE"`
	FamilyMemberID    string    `json:"familyMemberId" validate:"omitempty,uuid"`
	PatientName       string    `json:"patientName" validate:"max=200"`
	PatientEmail      string    `json:"patientEmail" validate:"omitempty,email"`
	PatientPhone      string    `json:"patientPhone" validate:"omitempty,phone"`
	Symptoms          string    `json:"symptoms" validate:"required,max=2000"`
	PreviousTreatment string    `json:"previousTreatment" validate:"max=2000"`
	AgreeToTerms      bool      `json:"agreeToTerms"`
}

func (r bookAppointmentRequest) target() BookingTarget {
	switch r.BookingFor {
	case BookingForFamilyMember:
		id, _ := uuid.Parse(r.FamilyMemberID)
		return BookForFamilyMember{FamilyMemberID: id}
	case BookingForSomeoneElse:
		return BookForSomeoneElse{Name: r.PatientName, Email: r.PatientEmail, Phone: strPtr(r.PatientPhone)}
	default:
		return BookForSelf{Name: r.PatientName, Phone: strPtr(r.PatientPhone)}
	}
}

func (r bookAppointmentRequest) details() Details {
	doctorID, _ := uuid.Parse(r.DoctorID)
	return Details{
		DoctorID:          doctorID,
		AppointmentDate:   r.AppointmentDate,
		AppointmentType:   r.AppointmentType,
		ServiceType:       r.ServiceType,
		Duration:          r.Duration,
		Symptoms:          r.Symptoms,
		PreviousTreatment: r.PreviousTreatment,
		AgreeToTerms:      r.AgreeToTerms,
	}
}

type resolveMergeRequest struct {
	ResolutionType string `json:"resolutionType" validate:"required,oneof=SELF FAMILY NEW"`
	FamilyMemberID string `json:"familyMemberId" validate:"omitempty,uuid"`
	PatientName    string `json:"patientName" validate:"max=200"`
	Relationship   string `json:"relationship" validate:"omitempty,oneof=SPOUSE CHILD PARENT OTHER"`
	Age            *int   `json:"age" validate:"omitempty,gte=0,lte=150"`
	Gender         string `json:"gender" validate:"max=50"`
	KeepSeparate   bool   `json:"keepSeparate"`
}

func (r resolveMergeRequest) resolution() (Resolution, error) {
	if r.KeepSeparate && r.ResolutionType != ResolutionSelf {
		return nil, apperr.Invalid("keepSeparate", "only applies to a SELF resolution")
	}
	switch r.ResolutionType {
	case ResolutionSelf:
		if r.KeepSeparate {
			return KeepSeparate{}, nil
		}
		return ResolveToSelf{}, nil
	case ResolutionFamily:
		id, _ := uuid.Parse(r.FamilyMemberID)
		return ResolveToFamily{FamilyMemberID: id}, nil
	case ResolutionNew:
		return ResolveAsNewFamilyMember{
			Name:         r.PatientName,
			Relationship: r.Relationship,
			Age:          r.Age,
			Gender:       strPtr(r.Gender),
		}, nil
	default:
		return nil, apperr.Invalid("resolutionType", "must be one of [SELF FAMILY NEW]")
	}
}

func (h *Handler) caller(ctx context.Context) (Caller, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return CallerFromPrincipal(p), nil
}

func (h *Handler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return apperr.Invalid("body", "malformed JSON")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) Book(c echo.Context) error {
	var req bookAppointmentRequest
	if err := h.bind(c, &req); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	appt, err := h.svc.Book(ctx, caller, req.target(), req.details())
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "appointment": appt})
}

func (h *Handler) ResolveMerge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	var req resolveMergeRequest
	if err := h.bind(c, &req); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	res, err := req.resolution()
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	appt, err := h.svc.ResolveMerge(ctx, caller, id, res)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "appointment": appt})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	appt, err := h.svc.Get(ctx, caller, id)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "appointment": appt})
}

func (h *Handler) MergeHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	entries, err := h.svc.MergeHistory(ctx, caller, id)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	if entries == nil {
		entries = []*audit.MergeEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "entries": entries})
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMine(ctx, caller, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPendingMerges(c echo.Context) error {
	ctx := c.Request().Context()
	caller, err := h.caller(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPendingMerges(ctx, caller, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CheckSlot(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	at, err := time.Parse(time.RFC3339, c.QueryParam("at"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("at", "must be an RFC3339 timestamp"))
	}
	slot, err := h.svc.CheckSlot(c.Request().Context(), doctorID, at)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "slot": slot})
}
