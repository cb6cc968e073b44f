package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/certgen/internal/api/dto"
	"github.com/cuongbtq/certgen/internal/api/handler"
	"github.com/cuongbtq/certgen/internal/api/router"
	"github.com/cuongbtq/certgen/internal/auth"
	"github.com/cuongbtq/certgen/internal/blob"
	"github.com/cuongbtq/certgen/internal/catalog"
	"github.com/cuongbtq/certgen/internal/dispatch"
	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
	"github.com/cuongbtq/certgen/internal/queue"
	"github.com/cuongbtq/certgen/internal/storage/memory"
	"github.com/cuongbtq/certgen/internal/template"
)

const jwtSecret = "api-test-secret"

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*queue.Message
	err  error
}

func (f *fakePublisher) PublishBatch(_ context.Context, msgs []*queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

type fixture struct {
	engine    *gin.Engine
	store     *memory.Store
	ledger    *ledger.Ledger
	templates *template.Service
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	l := ledger.New(store, logger)
	templates := template.NewService(store, logger)
	pub := &fakePublisher{}

	blobs, err := blob.NewLocalStore(t.TempDir(), "http://api.test/artifacts")
	require.NoError(t, err)

	engine := router.SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Ledger:    l,
		Templates: templates,
		Catalog:   catalog.New(store),
		Dispatcher: dispatch.New(pub, l, dispatch.Config{
			WebhookURL:         "http://worker.test/generate",
			FailureCallbackURL: "http://worker.test/generate/failed",
		}, logger),
		Blobs:      blobs,
		Auth:       auth.NewVerifier(jwtSecret),
		AuthCookie:     "token",
		MaxRows:        100,
		AllowedOrigins: []string{"https://app.example"},
	})

	return &fixture{
		engine:    engine,
		store:     store,
		ledger:    l,
		templates: templates,
		publisher: pub,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Issue(jwtSecret, auth.Claims{ID: userID, Email: userID + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) createTemplate(t *testing.T, ownerID string) *domain.Template {
	t.Helper()
	tpl, err := f.templates.Create(context.Background(), template.CreateParams{
		OwnerID:       ownerID,
		Title:         "Course Completion",
		BackgroundRef: "templates/bg.png",
		CanvasWidth:   800,
		CanvasHeight:  600,
		Fields: []domain.Field{
			{Key: "name", RelativeX: 50, RelativeY: 40, Align: domain.AlignCenter},
		},
	})
	require.NoError(t, err)
	return tpl
}

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for name, value := range fields {
		require.NoError(t, mw.WriteField(name, value))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func uploadCSV(t *testing.T, f *fixture, templateID, csv, userID string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, map[string][]byte{"csv": []byte(csv)}, nil)
	req := httptest.NewRequest(http.MethodPost, "/uploads/upload-csv?template_id="+templateID, body)
	req.Header.Set("Content-Type", contentType)
	return f.do(t, req, userID)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token(t, "user-1"), want: http.StatusUnauthorized},
		{name: "bearer token", header: "Bearer " + token(t, "user-1"), want: http.StatusOK},
		{name: "cookie", cookie: token(t, "user-1"), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "token", Value: tt.cookie})
			}

			w := httptest.NewRecorder()
			f.engine.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCreateTemplate(t *testing.T) {
	f := newFixture(t)

	data := `{"title":"Hackathon 2024","font":"Go","fields":[{"field_key":"name","x":50,"y":45,"font_size":40,"text_align":"center"},{"field_key":"date","x":10,"y":90}]}`
	body, contentType := multipartBody(t, map[string][]byte{"image": pngBytes(t, 320, 200)}, map[string]string{"data": data})
	req := httptest.NewRequest(http.MethodPost, "/templates/create-template", body)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req, "user-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Success    bool   `json:"success"`
		TemplateID string `json:"templateId"`
		Slug       string `json:"slug"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.True(t, strings.HasPrefix(created.Slug, "hackathon-2024-"))

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/templates/"+created.TemplateID, nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Data dto.TemplateDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 320, got.Data.CanvasWidth)
	assert.Equal(t, 200, got.Data.CanvasHeight)
	require.Len(t, got.Data.Fields, 2)
	assert.Equal(t, "Go", got.Data.Fields[0].FontFamily)
	assert.Equal(t, domain.AlignCenter, got.Data.Fields[0].Align)
	assert.Equal(t, domain.AlignLeft, got.Data.Fields[1].Align)
	assert.Equal(t, "#000000", got.Data.Fields[1].Color)
	assert.True(t, strings.HasPrefix(got.Data.BackgroundURL, "http://api.test/artifacts/templates/user-1/"))

	// Other owners cannot see it
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/templates/"+created.TemplateID, nil), "user-2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/templates/my-templates", nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	var mine struct {
		Data []dto.TemplateDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	assert.Len(t, mine.Data, 1)
}

func TestCreateTemplate_Invalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		image []byte
		data  string
	}{
		{name: "field out of range", image: pngBytes(t, 10, 10), data: `{"title":"T","fields":[{"field_key":"name","x":150,"y":10}]}`},
		{name: "missing title", image: pngBytes(t, 10, 10), data: `{"fields":[]}`},
		{name: "bad color", image: pngBytes(t, 10, 10), data: `{"title":"T","fields":[{"field_key":"name","x":1,"y":1,"color":"red"}]}`},
		{name: "malformed data", image: pngBytes(t, 10, 10), data: `{`},
		{name: "not an image", image: []byte("hello"), data: `{"title":"T"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, map[string][]byte{"image": tt.image}, map[string]string{"data": tt.data})
			req := httptest.NewRequest(http.MethodPost, "/templates/create-template", body)
			req.Header.Set("Content-Type", contentType)

			w := f.do(t, req, "user-1")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestUploadCSV(t *testing.T) {
	f := newFixture(t)
	tpl := f.createTemplate(t, "user-1")

	w := uploadCSV(t, f, tpl.ID, "name,email\nAda,ada@example.com\nGrace,grace@example.com\nAlan,\n", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	stream := w.Body.String()
	assert.Contains(t, stream, `"status":"dispatching"`)
	assert.Contains(t, stream, `"status":"dispatched"`)
	assert.Contains(t, stream, "event:done")
	assert.Contains(t, stream, "3 tasks queued for rendering")
	assert.Less(t, strings.Index(stream, "dispatching"), strings.Index(stream, "event:done"))

	require.Len(t, f.publisher.msgs, 3)

	jobs, _, err := f.ledger.ListJobs(context.Background(), ledger.JobFilter{OwnerID: "user-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusProcessing, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].TotalRecords)

	var task domain.RenderTask
	require.NoError(t, json.Unmarshal(f.publisher.msgs[2].Body, &task))
	assert.Equal(t, 2, task.RowIndex)
	assert.Equal(t, "Alan", task.RecipientName)
	assert.Equal(t, 400.0, task.Fields[0].AbsX)
}

func TestUploadCSV_HeaderOnly(t *testing.T) {
	f := newFixture(t)
	tpl := f.createTemplate(t, "user-1")

	w := uploadCSV(t, f, tpl.ID, "name,email\n", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:done")
	assert.Empty(t, f.publisher.msgs)

	jobs, _, err := f.ledger.ListJobs(context.Background(), ledger.JobFilter{OwnerID: "user-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusCompleted, jobs[0].Status)
}

func TestUploadCSV_Rejected(t *testing.T) {
	f := newFixture(t)
	tpl := f.createTemplate(t, "user-1")

	tests := []struct {
		name       string
		templateID string
		csv        string
		userID     string
		want       int
	}{
		{name: "ragged row", templateID: tpl.ID, csv: "name,email\nAda\n", userID: "user-1", want: http.StatusBadRequest},
		{name: "duplicate header", templateID: tpl.ID, csv: "name,name\nA,B\n", userID: "user-1", want: http.StatusBadRequest},
		{name: "invalid template id", templateID: "nope", csv: "name\nAda\n", userID: "user-1", want: http.StatusBadRequest},
		{name: "unknown template", templateID: uuid.New().String(), csv: "name\nAda\n", userID: "user-1", want: http.StatusNotFound},
		{name: "foreign template", templateID: tpl.ID, csv: "name\nAda\n", userID: "user-2", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := uploadCSV(t, f, tt.templateID, tt.csv, tt.userID)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	for _, owner := range []string{"user-1", "user-2"} {
		jobs, _, err := f.ledger.ListJobs(context.Background(), ledger.JobFilter{OwnerID: owner, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	}
	assert.Empty(t, f.publisher.msgs)
}

func TestUploadCSV_QueueUnavailable(t *testing.T) {
	f := newFixture(t)
	tpl := f.createTemplate(t, "user-1")
	f.publisher.err = errors.New("connection refused")

	w := uploadCSV(t, f, tpl.ID, "name\nAda\nGrace\n", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:error")

	jobs, _, err := f.ledger.ListJobs(context.Background(), ledger.JobFilter{OwnerID: "user-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Zero(t, f.store.CertificateCount())
}

func TestListUploadJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.CreateJob(ctx, "user-1", "tpl-1", i)
		require.NoError(t, err)
	}
	_, err := f.ledger.CreateJob(ctx, "user-2", "tpl-1", 1)
	require.NoError(t, err)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs?page_size=2", nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, 2, page.Jobs[0].TotalRecords)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs?page_size=2&cursor="+page.NextCursor, nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var next dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Jobs, 1)
	assert.Empty(t, next.NextCursor)
	assert.Equal(t, 0, next.Jobs[0].TotalRecords)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs?cursor=not-base64!", nil), "user-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUploadJob(t *testing.T) {
	f := newFixture(t)

	job, err := f.ledger.CreateJob(context.Background(), "user-1", "tpl-1", 4)
	require.NoError(t, err)

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs/"+job.ID, nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, 4, got.TotalRecords)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs/"+job.ID, nil), "user-2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs/not-a-uuid", nil), "user-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadImage(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, map[string][]byte{"image": pngBytes(t, 4, 4)}, nil)
	req := httptest.NewRequest(http.MethodPost, "/uploads/upload-image", body)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req, "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			URL string `json:"url"`
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, strings.HasSuffix(resp.Data.Key, ".png"))
	assert.Equal(t, "http://api.test/artifacts/"+resp.Data.Key, resp.Data.URL)

	body, contentType = multipartBody(t, map[string][]byte{"image": []byte("plain text")}, nil)
	req = httptest.NewRequest(http.MethodPost, "/uploads/upload-image", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, f.do(t, req, "user-1").Code)
}

func TestCertificates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.ledger.CreateJob(ctx, "user-1", "tpl-1", 2)
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkDispatched(ctx, job.ID))

	// No outcomes yet
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/certificates/job/"+job.ID, nil), "user-1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	for row := 1; row >= 0; row-- {
		_, _, err := f.ledger.RecordProcessed(ctx, &domain.Certificate{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			RowIndex:       row,
			TemplateID:     "tpl-1",
			RecipientEmail: "ada@example.com",
			RecipientName:  "Ada",
			Slug:           strings.ReplaceAll(uuid.New().String(), "-", ""),
			ArtifactURL:    "http://cdn.test/x.png",
		})
		require.NoError(t, err)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/certificates/job/"+job.ID, nil), "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	var list dto.ListCertificatesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Certificates, 2)
	assert.Equal(t, 0, list.Certificates[0].RowIndex)
	assert.Equal(t, 1, list.Certificates[1].RowIndex)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/certificates/job/"+job.ID, nil), "user-2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Slug lookup is public
	w = f.do(t, httptest.NewRequest(http.MethodGet, "/certificates/slug/"+list.Certificates[0].Slug, nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	var cert dto.CertificateDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cert))
	assert.Equal(t, domain.CertificateStatusGenerated, cert.Status)
	assert.Equal(t, "Ada", cert.RecipientName)

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/certificates/slug/unknown", nil), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	stored, err := f.ledger.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func TestUploadCSV_CSVPartRequired(t *testing.T) {
	f := newFixture(t)
	tpl := f.createTemplate(t, "owner-1")

	body, contentType := multipartBody(t, map[string][]byte{"file": []byte("name,email\nAda,ada@example.com\n")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/uploads/upload-csv?template_id="+tpl.ID, body)
	req.Header.Set("Content-Type", contentType)

	w := f.do(t, req, "owner-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No file uploaded")
	assert.Empty(t, f.publisher.msgs)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name            string
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{name: "allowed origin", origin: "https://app.example", wantOrigin: "https://app.example", wantCredentials: "true"},
		{name: "foreign origin", origin: "https://evil.example"},
		{name: "no origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/uploads/upload-jobs", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			w := f.do(t, req, "owner-1")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/uploads/upload-csv", nil)
		req.Header.Set("Origin", "https://app.example")

		w := f.do(t, req, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	})
}
