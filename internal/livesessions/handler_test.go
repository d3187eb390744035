package livesessions

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livesession/internal/models"
)

type recordingNotifier struct {
	started  []uuid.UUID
	admitted []string
	streams  []string
}

func (n *recordingNotifier) SessionStarted(ls *models.LiveSession) { n.started = append(n.started, ls.SessionID) }

func (n *recordingNotifier) Admitted(_ uuid.UUID, _ models.Family, email string, _ models.Lists) {
	n.admitted = append(n.admitted, email)
}

func (n *recordingNotifier) StreamStarted(_ uuid.UUID, url string) { n.streams = append(n.streams, url) }

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/liveSessions/:sessionId/ensure", h.Ensure)
	r.POST("/liveSessions/:sessionId/start", h.Start)
	r.POST("/liveSessions/:sessionId/end", h.End)
	r.GET("/liveSessions/:sessionId/history", h.History)
	r.POST("/liveSessions/:sessionId/admit", h.Admit)
	r.POST("/liveSessions/:sessionId/stream/start", h.StartStream)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerLifecycle(t *testing.T) {
	svc := NewService(newMemStore(), &fakeActivity{}, nil)
	n := &recordingNotifier{}
	r := newTestRouter(NewHandler(svc, n, "https://cdn.example.com/live.m3u8"))
	id := uuid.New().String()

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/liveSessions/"+id+"/start", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/liveSessions/"+id+"/history", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/liveSessions/not-a-uuid/start", "").Code)

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/liveSessions/"+id+"/ensure", "").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/liveSessions/"+id+"/start", "").Code)
	assert.Len(t, n.started, 1)

	rec := do(r, http.MethodPost, "/liveSessions/"+id+"/stream/start", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://cdn.example.com/live.m3u8"}, n.streams)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/liveSessions/"+id+"/admit", `{"email":"x@x.com"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/liveSessions/"+id+"/admit", `{"email":"x@x.com","role":"Moderator"}`).Code)

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/liveSessions/"+id+"/end", "").Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/liveSessions/"+id+"/start", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/liveSessions/"+id+"/history", "").Code)
}

type stubArchives struct{ ready bool }

func (s stubArchives) ArchiveURL(_ context.Context, sessionID, liveSessionID string) (string, bool, error) {
	if !s.ready {
		return "", false, nil
	}
	return "https://bucket/archives/" + sessionID + "/" + liveSessionID + ".json?sig", true, nil
}

func TestArchiveLink(t *testing.T) {
	svc := NewService(newMemStore(), &fakeActivity{}, nil)
	h := NewHandler(svc, nil, "")
	r := newTestRouter(h)
	r.GET("/liveSessions/:sessionId/archive", h.Archive)
	id := uuid.New().String()

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/liveSessions/"+id+"/ensure", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/liveSessions/"+id+"/archive", "").Code, "not configured")

	h.SetArchiveLinks(stubArchives{})
	assert.Equal(t, http.StatusConflict, do(r, http.MethodGet, "/liveSessions/"+id+"/archive", "").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/liveSessions/"+id+"/end", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/liveSessions/"+id+"/archive", "").Code, "not uploaded yet")

	h.SetArchiveLinks(stubArchives{ready: true})
	rec := do(r, http.MethodGet, "/liveSessions/"+id+"/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archives/"+id+"/")
}
