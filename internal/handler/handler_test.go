package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photo-processor/internal/jobs"
	"photo-processor/internal/models"
	memqueue "photo-processor/internal/queue/memory"
	"photo-processor/internal/repository/memory"
	memstore "photo-processor/internal/storage/memory"
	redisclient "photo-processor/pkg/database/redis"
	"photo-processor/pkg/security"
)

const testSecret = "handler-secret"

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	hits int
}

func newMapCache() *mapCache { return &mapCache{data: map[string]string{}} }

func (m *mapCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redisclient.ErrCacheMiss
	}
	m.hits++
	return v, nil
}

func (m *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *mapCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type testServer struct {
	router *gin.Engine
	db     *memory.DB
	store  *memstore.Store
	queue  *memqueue.Queue
	cache  *mapCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := memory.NewDB()
	store := memstore.New("blob://")
	q := memqueue.New(64)
	cache := newMapCache()
	svc := jobs.NewService(db.Images(), db.Jobs(), q, jobs.Options{Logger: zerolog.Nop()})
	h := NewHandler(Deps{
		Projects: db.Projects(),
		Images:   db.Images(),
		Jobs:     svc,
		Store:    store,
		Cache:    cache,
		Logger:   zerolog.Nop(),
	})
	auth := security.AuthMiddleware(security.NewHMACResolver(testSecret, ""), db.Users())
	router := NewRouter(h, auth, security.RequireRole("admin"), zerolog.Nop())
	return &testServer{router: router, db: db, store: store, queue: q, cache: cache}
}

// testRoles are granted in every token minted for the subject.
var testRoles = map[string][]string{"alice": {"admin"}}

func token(t *testing.T, subject string) string {
	t.Helper()
	claims := security.Claims{Roles: testRoles[subject], RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (s *testServer) do(t *testing.T, method, path, subject string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type file struct {
	name, contentType string
	data              []byte
}

func (s *testServer) upload(t *testing.T, subject, projectID string, files ...file) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if projectID != "" {
		_ = mw.WriteField("projectId", projectID)
	}
	for _, f := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, f.name))
		header.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(f.data)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, subject))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func pngFile(name string) file {
	return file{name: name, contentType: "image/png", data: []byte("\x89PNG\r\n\x1a\nfake")}
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/projects", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", w.Code)
	}
}

func TestProjects(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodPost, "/api/projects", "alice", map[string]string{"name": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank name = %d, want 400", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/projects", "alice", map[string]string{"name": " Lake house "})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	created := decode[struct{ Project models.Project }](t, w).Project
	if created.Name != "Lake house" {
		t.Errorf("name = %q", created.Name)
	}

	if w := s.upload(t, "alice", created.ID.String(), pngFile("a.png")); w.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}

	list := decode[struct {
		Projects []models.ProjectSummary `json:"projects"`
	}](t, s.do(t, http.MethodGet, "/api/projects", "alice", nil))
	if len(list.Projects) != 1 || list.Projects[0].ImageCount != 1 {
		t.Errorf("projects = %+v", list.Projects)
	}

	path := "/api/projects/" + created.ID.String()
	if w := s.do(t, http.MethodGet, path, "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger get = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodGet, path, "alice", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"images":[{`) {
		t.Errorf("owner get = %d %s", w.Code, w.Body.String())
	}

	if w := s.do(t, http.MethodDelete, path, "alice", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if len(s.store.Keys()) != 0 {
		t.Errorf("blobs left after project delete: %v", s.store.Keys())
	}
	images := decode[struct {
		Images []models.Image `json:"images"`
	}](t, s.do(t, http.MethodGet, "/api/images", "alice", nil))
	if len(images.Images) != 0 {
		t.Errorf("images survived project delete: %d", len(images.Images))
	}
}

func TestUploadCreatesDatedProject(t *testing.T) {
	s := newTestServer(t)

	w := s.upload(t, "alice", "", pngFile("kitchen.png"), pngFile("bath.png"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}
	resp := decode[UploadResponse](t, w)
	if len(resp.Images) != 2 {
		t.Fatalf("images = %d, want 2", len(resp.Images))
	}
	for _, img := range resp.Images {
		if !strings.HasPrefix(img.URL, "blob://originals/") {
			t.Errorf("url = %q", img.URL)
		}
	}

	project := decode[struct{ Project models.Project }](t, s.do(t, http.MethodGet, "/api/projects/"+resp.ProjectID.String(), "alice", nil)).Project
	if want := "Property " + time.Now().Format("2006-01-02"); project.Name != want {
		t.Errorf("project name = %q, want %q", project.Name, want)
	}
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t)

	many := make([]file, MaxFilesPerBatch+1)
	for i := range many {
		many[i] = pngFile(fmt.Sprintf("%d.png", i))
	}

	tests := []struct {
		name      string
		projectID string
		files     []file
		want      int
	}{
		{name: "no files", want: http.StatusBadRequest},
		{name: "too many files", files: many, want: http.StatusBadRequest},
		{name: "not an image", files: []file{{name: "notes.txt", contentType: "text/plain", data: []byte("hi")}}, want: http.StatusBadRequest},
		{name: "too large", files: []file{{name: "big.png", contentType: "image/png", data: make([]byte, MaxFileSize+1)}}, want: http.StatusBadRequest},
		{name: "foreign project", projectID: uuid.NewString(), files: []file{pngFile("a.png")}, want: http.StatusNotFound},
		{name: "bad project id", projectID: "nope", files: []file{pngFile("a.png")}, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.upload(t, "alice", tc.projectID, tc.files...)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
	if len(s.store.Keys()) != 0 {
		t.Errorf("rejected uploads stored blobs: %v", s.store.Keys())
	}
}

func uploadOne(t *testing.T, s *testServer, subject string) uuid.UUID {
	t.Helper()
	w := s.upload(t, subject, "", pngFile("front.png"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}
	return decode[UploadResponse](t, w).Images[0].ID
}

type jobEnvelope struct {
	Job models.Job `json:"job"`
}

func TestProcessAndGetJob(t *testing.T) {
	s := newTestServer(t)
	imageID := uploadOne(t, s, "alice")

	if w := s.do(t, http.MethodPost, "/api/process/"+imageID.String(), "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger process = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/process/nope", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/process/"+imageID.String(), "alice", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("process = %d %s", w.Code, w.Body.String())
	}
	job := decode[jobEnvelope](t, w).Job
	if job.Status != models.JobStatusPending || len(job.Steps) != 2 {
		t.Errorf("job = %+v", job)
	}
	if len(s.queue.Published()) != 1 {
		t.Errorf("published = %d, want 1", len(s.queue.Published()))
	}

	path := "/api/jobs/" + job.ID.String()
	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodGet, path, "alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get job = %d", w.Code)
		}
		if got := decode[jobEnvelope](t, w).Job; got.ID != job.ID {
			t.Errorf("job id = %s", got.ID)
		}
	}
	if s.cache.hits == 0 {
		t.Error("second job read did not hit the cache")
	}
	if w := s.do(t, http.MethodGet, path, "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger get job = %d, want 404", w.Code)
	}

	img := s.do(t, http.MethodGet, "/api/images/"+imageID.String(), "alice", nil)
	if img.Code != http.StatusOK || !strings.Contains(img.Body.String(), job.ID.String()) {
		t.Errorf("image with jobs = %d %s", img.Code, img.Body.String())
	}
}

func TestProcessQueueUnavailable(t *testing.T) {
	s := newTestServer(t)
	imageID := uploadOne(t, s, "alice")
	s.queue.FailPublish(errors.New("redis down"))

	w := s.do(t, http.MethodPost, "/api/process/"+imageID.String(), "alice", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("process = %d, want 500", w.Code)
	}
}

func TestRetryJob(t *testing.T) {
	s := newTestServer(t)
	imageID := uploadOne(t, s, "alice")
	ctx := context.Background()

	msg := "ENHANCE: timeout"
	failed := &models.Job{ImageID: imageID, Status: models.JobStatusFailed, Steps: models.Steps{models.StepEnhance, models.StepUpscale}, Error: &msg}
	done := &models.Job{ImageID: imageID, Status: models.JobStatusCompleted, Steps: models.Steps{models.StepEnhance, models.StepUpscale}}
	for _, j := range []*models.Job{failed, done} {
		if err := s.db.Jobs().Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "missing job id", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "malformed job id", body: map[string]string{"job_id": "x"}, want: http.StatusBadRequest},
		{name: "unknown job", body: map[string]string{"job_id": uuid.NewString()}, want: http.StatusNotFound},
		{name: "completed job", body: map[string]string{"job_id": done.ID.String()}, want: http.StatusBadRequest},
		{name: "failed job", body: map[string]string{"job_id": failed.ID.String()}, want: http.StatusOK},
		{name: "already retrying", body: map[string]string{"job_id": failed.ID.String()}, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/admin/retry", "alice", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK {
				job := decode[jobEnvelope](t, w).Job
				if job.Status != models.JobStatusRetrying || job.RetryCount != 1 || job.Error != nil {
					t.Errorf("retried job = %+v", job)
				}
			}
		})
	}

	got, _ := s.db.Jobs().Get(ctx, done.ID)
	if got.Status != models.JobStatusCompleted || got.RetryCount != 0 {
		t.Errorf("completed job changed: %+v", got)
	}
}

func TestRetryJobRequiresAdminRole(t *testing.T) {
	s := newTestServer(t)
	imageID := uploadOne(t, s, "bob")
	ctx := context.Background()

	msg := "ENHANCE: timeout"
	failed := &models.Job{ImageID: imageID, Status: models.JobStatusFailed, Steps: models.Steps{models.StepEnhance}, Error: &msg}
	if err := s.db.Jobs().Create(ctx, failed); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, http.MethodPost, "/api/admin/retry", "bob", map[string]string{"job_id": failed.ID.String()})
	if w.Code != http.StatusNotFound {
		t.Fatalf("retry without role = %d, want 404 (%s)", w.Code, w.Body.String())
	}
	got, _ := s.db.Jobs().Get(ctx, failed.ID)
	if got.Status != models.JobStatusFailed || got.RetryCount != 0 {
		t.Errorf("job changed by unauthorised retry: %+v", got)
	}
	if n := len(s.queue.Published()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestDeleteProjectEvictsImageCache(t *testing.T) {
	s := newTestServer(t)
	project := decode[struct{ Project models.Project }](t,
		s.do(t, http.MethodPost, "/api/projects", "alice", map[string]string{"name": "Condo"})).Project
	w := s.upload(t, "alice", project.ID.String(), pngFile("front.png"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}
	imagePath := "/api/images/" + decode[UploadResponse](t, w).Images[0].ID.String()

	if w := s.do(t, http.MethodGet, imagePath, "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("get image = %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/projects/"+project.ID.String(), "alice", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete project = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, imagePath, "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("get image after project delete = %d, want 404", w.Code)
	}
}

func TestDeleteImage(t *testing.T) {
	s := newTestServer(t)
	imageID := uploadOne(t, s, "alice")
	path := "/api/images/" + imageID.String()

	if w := s.do(t, http.MethodDelete, path, "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger delete = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodDelete, path, "alice", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, path, "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if len(s.store.Keys()) != 0 {
		t.Errorf("blob left: %v", s.store.Keys())
	}
}

func TestCreateImageRegistersBlob(t *testing.T) {
	s := newTestServer(t)
	project := decode[struct{ Project models.Project }](t,
		s.do(t, http.MethodPost, "/api/projects", "alice", map[string]string{"name": "Condo"})).Project

	w := s.do(t, http.MethodPost, "/api/images", "alice", map[string]any{
		"project_id": project.ID.String(),
		"url":        "blob://direct/x.jpg",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create image = %d %s", w.Code, w.Body.String())
	}
	created := decode[struct{ Image models.Image }](t, w).Image
	if created.StorageKey != "direct/x.jpg" {
		t.Errorf("storage key = %q, want it derived from the url", created.StorageKey)
	}

	w = s.do(t, http.MethodPost, "/api/images", "alice", map[string]any{
		"project_id":  project.ID.String(),
		"url":         "https://cdn.example.com/y.jpg",
		"storage_key": "direct/y.jpg",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create image with key = %d %s", w.Code, w.Body.String())
	}

	if w := s.do(t, http.MethodPost, "/api/images", "alice", map[string]any{
		"project_id": project.ID.String(),
		"url":        "https://cdn.example.com/z.jpg",
	}); w.Code != http.StatusBadRequest {
		t.Errorf("url outside storage = %d, want 400", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/images", "bob", map[string]any{
		"project_id": project.ID.String(),
		"url":        "blob://direct/y.jpg",
	}); w.Code != http.StatusNotFound {
		t.Errorf("foreign project = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/images", "alice", map[string]any{"url": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing project = %d, want 400", w.Code)
	}

	list := decode[struct {
		Images []models.Image `json:"images"`
	}](t, s.do(t, http.MethodGet, "/api/images?projectId="+project.ID.String(), "alice", nil))
	if len(list.Images) != 2 {
		t.Errorf("images in project = %d, want 2", len(list.Images))
	}
}
