package app

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) multipart(token string, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	h.t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(h.t, writer.WriteField(name, value))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(h.t, err)
		_, err = part.Write(content)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/collectibles/add", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func uploadedFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, "uploads"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestCollectibleUploadAndApproval(t *testing.T) {
	h := newHarness(t)
	token := h.login("editor-a")

	rec := h.multipart(token, map[string]string{
		"name":       "Con Badge",
		"year":       "2019",
		"guest_name": "ada lovelace",
		"category":   "Badges",
	}, "../my badge.png", []byte("png-bytes"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submission := decode(t, rec)
	payload := submission["collectible"].(map[string]any)
	filename := payload["filename"].(string)
	assert.True(t, strings.HasPrefix(filename, "uploads/"), filename)
	assert.True(t, strings.HasSuffix(filename, "_my_badge.png"), filename)
	assert.Equal(t, "Ada Lovelace", payload["guest_name"])

	stored, err := os.ReadFile(filepath.Join(h.assetsDir, filepath.FromSlash(filename)))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(stored))

	id := number(submission["id"])
	rec = h.decide("collectibles", "approve", id)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	collectible := decode(t, rec)["collectible"].(map[string]any)
	collectibleID := collectible["collectible_id"].(string)
	assert.EqualValues(t, 1, collectible["version"])

	rec = h.do(http.MethodGet, "/api/collectibles/"+collectibleID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, filename, decode(t, rec)["filename"])

	rec = h.do(http.MethodGet, "/api/collectibles/by_year/2019", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec), 1)

	rec = h.do(http.MethodGet, "/api/collectibles/unsorted", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec), 1)

	rec = h.do(http.MethodGet, "/api/collectibles/categories?q=bad", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"Badges"}, decodeList(t, rec))

	rec = h.as("editor-b", http.MethodPut, "/api/collectibles/"+collectibleID, map[string]any{"notes_1": "signed", "base_version": 1})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = h.decide("collectibles", "approve", number(decode(t, rec)["id"]))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["version"])

	rec = h.do(http.MethodGet, "/api/history/collectibles/"+collectibleID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode(t, rec)
	assert.Len(t, history["audit"], 2)
	assert.Len(t, history["versions"], 2)
}

func TestCollectibleUploadRejections(t *testing.T) {
	h := newHarness(t)
	token := h.login("editor-a")

	rec := h.multipart(token, map[string]string{"name": "Badge", "year": "2019"}, "script.exe", []byte("x"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "file", decode(t, rec)["details"].(map[string]any)["field"])
	assert.Empty(t, uploadedFiles(t, h.assetsDir))

	rec = h.multipart(token, map[string]string{"year": "2019"}, "badge.png", []byte("x"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "name", decode(t, rec)["details"].(map[string]any)["field"])
	assert.Empty(t, uploadedFiles(t, h.assetsDir), "a refused submission must not leave its upload behind")

	rec = h.multipart(token, map[string]string{"name": "Badge", "year": "soon"}, "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "year", decode(t, rec)["details"].(map[string]any)["field"])

	big := bytes.Repeat([]byte("a"), 2<<20)
	rec = h.multipart(token, map[string]string{"name": "Badge", "year": "2019"}, "badge.png", big)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = h.multipart(h.login("moderator"), map[string]string{"name": "Plain", "year": "2019"}, "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, "moderators may submit too")
}

func TestCollectibleJSONSubmission(t *testing.T) {
	h := newHarness(t)
	rec := h.as("editor-a", http.MethodPost, "/api/collectibles/add", map[string]any{"name": "Poster", "year": 2018})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "pending", body["state"])
	assert.NotEmpty(t, body["subject"].(map[string]any)["collectible_id"])
}
