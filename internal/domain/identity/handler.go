package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/portal/internal/platform/apperr"
	"github.com/clinic/portal/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/family-members", auth.RequireRole(RolePatient))
	g.GET("", h.ListFamilyMembers)
	g.POST("", h.CreateFamilyMember)
	g.PUT("/:id", h.UpdateFamilyMember)
	g.DELETE("/:id", h.DeleteFamilyMember)
}

type familyMemberRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	Email        string `json:"email" validate:"omitempty,email"`
	Phone        string `json:"phone" validate:"omitempty,phone"`
	Relationship string `json:"relationship" validate:"required,oneof=SPOUSE CHILD PARENT OTHER"`
	Age          *int   `json:"age" validate:"omitempty,gte=0,lte=150"`
	Gender       string `json:"gender" validate:"max=50"`
	MedicalNotes string `json:"medicalNotes" validate:"max=2000"`
	IsActive     *bool  `json:"isActive"`
}

func (r familyMemberRequest) toModel() *FamilyMember {
	fm := &FamilyMember{
		Name:         r.Name,
		Email:        strPtr(r.Email),
		Phone:        strPtr(r.Phone),
		Relationship: r.Relationship,
		Age:          r.Age,
		Gender:       strPtr(r.Gender),
		MedicalNotes: strPtr(r.MedicalNotes),
		IsActive:     true,
	}
	if r.IsActive != nil {
		fm.IsActive = *r.IsActive
	}
	return fm
}

// callerPatient provisions the authenticated caller's user and patient rows.
func (h *Handler) callerPatient(ctx context.Context) (*Patient, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	u, err := h.svc.EnsureUser(ctx, p.Email, p.Name)
	if err != nil {
		return nil, err
	}
	return h.svc.EnsurePatient(ctx, u.ID)
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

func (h *Handler) ListFamilyMembers(c echo.Context) error {
	ctx := c.Request().Context()
	patient, err := h.callerPatient(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	items, err := h.svc.ListFamilyMembers(ctx, patient.ID)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	if items == nil {
		items = []*FamilyMember{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "familyMembers": items})
}

func (h *Handler) CreateFamilyMember(c echo.Context) error {
	var req familyMemberRequest
	if err := h.bind(c, &req); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	ctx := c.Request().Context()
	patient, err := h.callerPatient(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	fm := req.toModel()
	if err := h.svc.AddFamilyMember(ctx, patient.ID, fm); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "familyMember": fm})
}

func (h *Handler) UpdateFamilyMember(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	var req familyMemberRequest
	if err := h.bind(c, &req); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	ctx := c.Request().Context()
	patient, err := h.callerPatient(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	fm := req.toModel()
	fm.ID = id
	if err := h.svc.UpdateFamilyMember(ctx, patient.ID, fm); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "familyMember": fm})
}

func (h *Handler) DeleteFamilyMember(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Respond(c, h.logger, apperr.Invalid("id", "must be a valid id"))
	}
	ctx := c.Request().Context()
	patient, err := h.callerPatient(ctx)
	if err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	if err := h.svc.DeleteFamilyMember(ctx, patient.ID, id); err != nil {
		return apperr.Respond(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}
