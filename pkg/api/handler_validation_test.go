package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests only cover parameter validation: the handler must reject the
// request before any service is touched, so a zero-value Server is enough.
// Happy paths run against real services in server_test.go and test/e2e.

func jsonRequest(method, target, body string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func callHandler(t *testing.T, handler echo.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, handler(c)
}

func requireAPIErr(t *testing.T, err error) *apiError {
	t.Helper()
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	return ae
}

func TestCreateSessionHandler_Validation(t *testing.T) {
	s := &Server{}

	t.Run("invalid JSON body", func(t *testing.T) {
		_, err := callHandler(t, s.createSessionHandler, jsonRequest(http.MethodPost, "/sessions", "{not json"))
		ae := requireAPIErr(t, err)
		assert.Equal(t, http.StatusBadRequest, ae.status)
		assert.Contains(t, ae.body.Details, "body")
	})

	t.Run("missing project_id", func(t *testing.T) {
		_, err := callHandler(t, s.createSessionHandler, jsonRequest(http.MethodPost, "/sessions", `{"ticket_id":"t-1"}`))
		ae := requireAPIErr(t, err)
		assert.Equal(t, http.StatusBadRequest, ae.status)
		assert.Contains(t, ae.body.Details, "project_id")
	})
}

func TestSessionInputHandler_Validation(t *testing.T) {
	s := &Server{}

	// The id param is empty on a bare context, which must fail first.
	t.Run("missing session id", func(t *testing.T) {
		_, err := callHandler(t, s.sessionInputHandler, jsonRequest(http.MethodPost, "/sessions//input", `{"text":"hi"}`))
		ae := requireAPIErr(t, err)
		assert.Equal(t, http.StatusBadRequest, ae.status)
		assert.Contains(t, ae.body.Details, "id")
	})
}

func TestListProjectsHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name  string
		query string
		field string
	}{
		{"limit not a number", "limit=abc", "limit"},
		{"limit zero", "limit=0", "limit"},
		{"limit negative", "limit=-5", "limit"},
		{"page not a number", "page=x", "page"},
		{"page zero", "page=0", "page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/projects?"+tt.query, nil)
			_, err := callHandler(t, s.listProjectsHandler, req)
			ae := requireAPIErr(t, err)
			assert.Equal(t, http.StatusBadRequest, ae.status)
			assert.Contains(t, ae.body.Details, tt.field)
		})
	}
}

func TestListTicketsHandler_Validation(t *testing.T) {
	// Mounted behind a real route so the :id param is populated; the
	// handler must still reject bad filters before touching the service.
	s := &Server{}
	e := echo.New()
	e.Use(errorEnvelope())
	e.GET("/projects/:id/tickets", s.listTicketsHandler)

	tests := []struct {
		name  string
		query string
	}{
		{"unknown state", "state=paused"},
		{"limit not a number", "limit=ten"},
		{"negative offset", "offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/projects/p-1/tickets?"+tt.query, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTicketHandlers_RequireID(t *testing.T) {
	s := &Server{}

	handlers := map[string]echo.HandlerFunc{
		"get":     s.getTicketHandler,
		"content": s.getTicketContentHandler,
		"title":   s.updateTicketTitleHandler,
		"delete":  s.deleteTicketHandler,
		"start":   s.startTicketHandler,
		"approve": s.approveTicketHandler,
		"reject":  s.rejectTicketHandler,
		"history": s.ticketHistoryHandler,
	}

	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			_, err := callHandler(t, handler, jsonRequest(http.MethodPost, "/tickets//x", `{}`))
			ae := requireAPIErr(t, err)
			assert.Equal(t, http.StatusBadRequest, ae.status)
			assert.Contains(t, ae.body.Details, "id")
		})
	}
}

func TestClaudeHookHandler_MalformedBody(t *testing.T) {
	// Hooks must never fail: a body we cannot parse still gets a 200,
	// with the problem surfaced as a warning.
	s := &Server{}

	rec, err := callHandler(t, s.claudeHookHandler, jsonRequest(http.MethodPost, "/hooks/claude", "{broken"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":true`)
	assert.Contains(t, rec.Body.String(), "warning")
}
