package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runRequireRole(t *testing.T, p *Principal, roles ...string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p != nil {
		req = req.WithContext(WithPrincipal(context.Background(), *p))
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return RequireRole(roles...)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	err := runRequireRole(t, &Principal{Roles: []string{RoleDoctor}}, RoleDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := runRequireRole(t, &Principal{Roles: []string{RolePatient}}, RoleDoctor)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	err := runRequireRole(t, &Principal{Roles: []string{RoleAdmin}}, RoleDoctor)
	if err != nil {
		t.Fatalf("admin should bypass role checks: %v", err)
	}
}

func TestRequireRole_Unauthenticated(t *testing.T) {
	err := runRequireRole(t, nil, RolePatient)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestPrincipal_HasRoleCaseInsensitive(t *testing.T) {
	p := Principal{Roles: []string{"patient"}}
	if !p.HasRole(RolePatient) {
		t.Error("expected case-insensitive role match")
	}
	if p.HasRole(RoleAdmin) {
		t.Error("unexpected ADMIN role")
	}
}
