package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpload(t *testing.T) {
	var gotRoom, gotName, gotType, gotAuth string
	var gotData []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotRoom = r.FormValue("roomId")
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		gotName = hdr.Filename
		gotType = hdr.Header.Get("Content-Type")
		gotData, _ = io.ReadAll(f)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": hdr.Filename,
			"url":  "https://files.example.com/" + hdr.Filename,
			"size": len(gotData),
			"type": gotType,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", zap.NewNop())
	ref, err := c.Upload(context.Background(), "room1", "notes.txt", "text/plain", []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, "room1", gotRoom)
	assert.Equal(t, "notes.txt", gotName)
	assert.Equal(t, "text/plain", gotType)
	assert.Equal(t, []byte("hello"), gotData)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "https://files.example.com/notes.txt", ref.URL)
	assert.Equal(t, int64(5), ref.Size)
}

func TestUpload_Rejected(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", zap.NewNop())

	_, err := c.Upload(context.Background(), "room1", "run.sh", "application/x-sh", []byte("#!"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"file type not supported"}, ve.Problems)
	assert.Zero(t, calls)
}

func TestUpload_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", zap.NewNop()).Upload(context.Background(), "r", "a.pdf", "application/pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 507")
}

func TestUpload_NotConfigured(t *testing.T) {
	_, err := NewClient("", "", zap.NewNop()).Upload(context.Background(), "r", "a.pdf", "application/pdf", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestValidate_Size(t *testing.T) {
	err := Validate(MaxFileSize+1, "image/png")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"file size must be less than 50MB"}, ve.Problems)
	assert.NoError(t, Validate(MaxFileSize, "image/png"))
}

func TestValidate_IgnoresTypeParameters(t *testing.T) {
	assert.NoError(t, Validate(11, "text/plain; charset=utf-8"))
	assert.NoError(t, Validate(11, "Text/Plain"))

	var ve *ValidationError
	require.ErrorAs(t, Validate(11, "text/html; charset=utf-8"), &ve)
	assert.Equal(t, []string{"file type not supported"}, ve.Problems)
}

func TestDetectType(t *testing.T) {
	text := []byte("hello world")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	assert.Equal(t, "text/plain; charset=utf-8", DetectType("notes", text))
	assert.Equal(t, "image/png", DetectType("shot", png))
	assert.Equal(t, "image/png", DetectType("shot.png", png))

	for _, name := range []string{"notes", "notes.txt"} {
		assert.NoError(t, Validate(int64(len(text)), DetectType(name, text)), name)
	}
}
