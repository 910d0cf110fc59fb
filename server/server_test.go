package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoCaption/config"
	"videoCaption/core"
	"videoCaption/media"
	"videoCaption/storage"
)

// fakeCaptioner returns a canned result, or a canned error.
type fakeCaptioner struct {
	result *core.CaptionResult
	err    error
	calls  int
}

func (f *fakeCaptioner) GenerateCaption(ctx context.Context, path string) (string, error) {
	res, err := f.Describe(ctx, path)
	if err != nil {
		return "", err
	}
	return res.Caption, nil
}

func (f *fakeCaptioner) Describe(ctx context.Context, path string) (*core.CaptionResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeCaptioner) Name() string { return "fake" }
func (f *fakeCaptioner) Mock() bool   { return true }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:              "8080",
		Store:             "memory",
		CaptionProvider:   "mock",
		UploadDir:         t.TempDir(),
		MaxUploadBytes:    64 << 20,
		AllowedExtensions: "mp4,webm,ogg",
		JWTSecret:         "test-secret",
		JWTExpiryMinutes:  60,
	}
}

func newTestServer(t *testing.T, fc *fakeCaptioner) (*Server, *http.ServeMux) {
	t.Helper()
	if fc.result == nil && fc.err == nil {
		fc.result = &core.CaptionResult{
			Caption:   "a cat chasing a laser pointer",
			Embedding: []float32{1, 0, 0},
			Complete:  true,
			Provider:  "fake",
		}
	}
	srv := New(testConfig(t), fc, storage.NewMemoryRecordStore(), storage.NewMemoryIndex())
	srv.probe = func(ctx context.Context, path string) (*media.VideoInfo, error) {
		return &media.VideoInfo{Path: path, Duration: 75, Format: "mp4", HasVideo: true}, nil
	}
	return srv, srv.Routes()
}

func registerUser(t *testing.T, mux *http.ServeMux, email string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "hunter2hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func multipartVideo(t *testing.T, filename string, content []byte, title string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("video", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	if title != "" {
		require.NoError(t, mw.WriteField("title", title))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, mux *http.ServeMux, token, filename, title string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartVideo(t, filename, []byte("fake video bytes"), title)
	req := httptest.NewRequest(http.MethodPost, "/videos/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func authedGet(t *testing.T, mux *http.ServeMux, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	registerUser(t, mux, "alice@example.com")

	// duplicate registration rejected
	body, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "hunter2hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// correct credentials
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// wrong password
	bad, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "wrongwrongwrong"})
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(bad))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	cases := []map[string]string{
		{"email": "not-an-email", "password": "hunter2hunter2"},
		{"email": "bob@example.com", "password": "short"},
	}
	for _, c := range cases {
		body, _ := json.Marshal(c)
		req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/videos", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/videos", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadStoresRecordAndEmbedding(t *testing.T) {
	srv, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	rec := doUpload(t, mux, token, "holiday.mp4", "My Holiday")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Video    core.VideoRecord `json:"video"`
		Complete bool             `json:"complete"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "My Holiday", resp.Video.Title)
	assert.Equal(t, "a cat chasing a laser pointer", resp.Video.Caption)
	assert.Equal(t, "01:15", resp.Video.Duration)
	assert.Equal(t, "mp4", resp.Video.Format)
	assert.Equal(t, "holiday.mp4", resp.Video.OriginalFilename)
	assert.True(t, resp.Complete)

	// file saved under the upload dir
	_, err := os.Stat(resp.Video.FilePath)
	assert.NoError(t, err)

	// embedding indexed
	vec, err := srv.index.Get(context.Background(), resp.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestUploadTitleDefaultsToFilename(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	rec := doUpload(t, mux, token, "beach trip.mp4", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Video core.VideoRecord `json:"video"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "beach trip", resp.Video.Title)
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	rec := doUpload(t, mux, token, "malware.exe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadFailureLeavesNothingBehind(t *testing.T) {
	fc := &fakeCaptioner{err: core.DecodeError("x", "no video stream")}
	srv, mux := newTestServer(t, fc)
	token := registerUser(t, mux, "alice@example.com")

	rec := doUpload(t, mux, token, "broken.mp4", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// no record
	list := authedGet(t, mux, token, "/videos")
	var resp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)

	// no stray file in the upload dir
	entries, err := os.ReadDir(filepath.Join(srv.cfg.UploadDir, "videos"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadModelUnavailableIs503(t *testing.T) {
	fc := &fakeCaptioner{err: core.ModelLoadError("weights missing", os.ErrNotExist)}
	_, mux := newTestServer(t, fc)
	token := registerUser(t, mux, "alice@example.com")

	rec := doUpload(t, mux, token, "clip.mp4", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListPaginationBounds(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, doUpload(t, mux, token, fmt.Sprintf("v%d.mp4", i), "").Code)
	}

	rec := authedGet(t, mux, token, "/videos?page=0&limit=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 100, resp.Limit)
	assert.Equal(t, 3, resp.Total)
}

func TestOwnershipIsEnforced(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	alice := registerUser(t, mux, "alice@example.com")
	bob := registerUser(t, mux, "bob@example.com")

	up := doUpload(t, mux, alice, "private.mp4", "")
	require.Equal(t, http.StatusCreated, up.Code)
	var resp struct {
		Video core.VideoRecord `json:"video"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &resp))

	assert.Equal(t, http.StatusOK, authedGet(t, mux, alice, "/videos/"+resp.Video.ID).Code)
	assert.Equal(t, http.StatusNotFound, authedGet(t, mux, bob, "/videos/"+resp.Video.ID).Code)

	req := httptest.NewRequest(http.MethodDelete, "/videos/"+resp.Video.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bob)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRemovesRecordFileAndEmbedding(t *testing.T) {
	srv, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	up := doUpload(t, mux, token, "gone.mp4", "")
	require.Equal(t, http.StatusCreated, up.Code)
	var resp struct {
		Video core.VideoRecord `json:"video"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodDelete, "/videos/"+resp.Video.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, authedGet(t, mux, token, "/videos/"+resp.Video.ID).Code)
	_, err := os.Stat(resp.Video.FilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = srv.index.Get(context.Background(), resp.Video.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSimilarRanksByCosine(t *testing.T) {
	srv, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	up := doUpload(t, mux, token, "query.mp4", "")
	require.Equal(t, http.StatusCreated, up.Code)
	var resp struct {
		Video core.VideoRecord `json:"video"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &resp))

	// seed two neighbors for the same user
	ctx := context.Background()
	for id, vec := range map[string][]float32{"near": {0.9, 0.1, 0}, "far": {0, 1, 0}} {
		require.NoError(t, srv.records.InsertVideo(ctx, &core.VideoRecord{ID: id, UserID: resp.Video.UserID}))
		require.NoError(t, srv.index.Upsert(ctx, id, vec))
	}

	rec := authedGet(t, mux, token, "/videos/"+resp.Video.ID+"/similar")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var simResp struct {
		Similar []struct {
			Video core.VideoRecord `json:"video"`
			Score float64          `json:"score"`
		} `json:"similar"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &simResp))
	require.Len(t, simResp.Similar, 2)
	assert.Equal(t, "near", simResp.Similar[0].Video.ID)
	assert.Equal(t, "far", simResp.Similar[1].Video.ID)
	assert.Greater(t, simResp.Similar[0].Score, simResp.Similar[1].Score)
}

func TestMeAndLogout(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	rec := authedGet(t, mux, token, "/auth/me")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		User core.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.NotEmpty(t, resp.User.ID)
	// password hash never leaves the server
	assert.NotContains(t, rec.Body.String(), "password")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// logout without a token is rejected like any authed route
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClearHistoryRemovesEverything(t *testing.T) {
	srv, mux := newTestServer(t, &fakeCaptioner{})
	alice := registerUser(t, mux, "alice@example.com")
	bob := registerUser(t, mux, "bob@example.com")

	var paths []string
	var ids []string
	for i := 0; i < 3; i++ {
		up := doUpload(t, mux, alice, fmt.Sprintf("v%d.mp4", i), "")
		require.Equal(t, http.StatusCreated, up.Code)
		var resp struct {
			Video core.VideoRecord `json:"video"`
		}
		require.NoError(t, json.Unmarshal(up.Body.Bytes(), &resp))
		paths = append(paths, resp.Video.FilePath)
		ids = append(ids, resp.Video.ID)
	}
	bobUp := doUpload(t, mux, bob, "keep.mp4", "")
	require.Equal(t, http.StatusCreated, bobUp.Code)

	req := httptest.NewRequest(http.MethodDelete, "/videos/history/clear", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		DeletedCount int `json:"deleted_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.DeletedCount)

	// records, files, and embeddings are gone
	list := authedGet(t, mux, alice, "/videos")
	var listResp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	assert.Zero(t, listResp.Total)
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
	for _, id := range ids {
		_, err := srv.index.Get(context.Background(), id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}

	// bob's history untouched
	bobList := authedGet(t, mux, bob, "/videos")
	require.NoError(t, json.Unmarshal(bobList.Body.Bytes(), &listResp))
	assert.Equal(t, 1, listResp.Total)
}

func TestSimilarSkipsOtherUsersWithoutLosingSlots(t *testing.T) {
	srv, mux := newTestServer(t, &fakeCaptioner{})
	token := registerUser(t, mux, "alice@example.com")

	up := doUpload(t, mux, token, "query.mp4", "")
	require.Equal(t, http.StatusCreated, up.Code)
	var resp struct {
		Video core.VideoRecord `json:"video"`
	}
	require.NoError(t, json.Unmarshal(up.Body.Bytes(), &resp))

	ctx := context.Background()
	// two foreign videos closer to the query than the owned one
	for i, vec := range [][]float32{{0.99, 0.01, 0}, {0.98, 0.02, 0}} {
		id := fmt.Sprintf("foreign%d", i)
		require.NoError(t, srv.records.InsertVideo(ctx, &core.VideoRecord{ID: id, UserID: "someone-else"}))
		require.NoError(t, srv.index.Upsert(ctx, id, vec))
	}
	require.NoError(t, srv.records.InsertVideo(ctx, &core.VideoRecord{ID: "mine", UserID: resp.Video.UserID}))
	require.NoError(t, srv.index.Upsert(ctx, "mine", []float32{0.5, 0.5, 0}))

	rec := authedGet(t, mux, token, "/videos/"+resp.Video.ID+"/similar?limit=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var simResp struct {
		Similar []struct {
			Video core.VideoRecord `json:"video"`
		} `json:"similar"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &simResp))
	require.Len(t, simResp.Similar, 1)
	assert.Equal(t, "mine", simResp.Similar[0].Video.ID)
}

func TestHealth(t *testing.T) {
	_, mux := newTestServer(t, &fakeCaptioner{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "fake", resp["provider"])
}
