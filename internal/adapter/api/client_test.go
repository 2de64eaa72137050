package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/shelvd/internal/domain"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", quietLogger, WithRetryDelay(time.Millisecond)), srv
}

func TestGetDocument(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/books/42", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"id":42,"title":"Moby-Dick","format":"EPUB",
			"bookUrl":"https://cdn.example.com/42.epub?sig=a","coverUrl":"https://cdn.example.com/42.jpg?sig=b"}`)
	})

	doc, err := client.GetDocument(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, &domain.Document{
		ID:       42,
		Title:    "Moby-Dick",
		Format:   domain.FormatEPUB,
		BookURL:  "https://cdn.example.com/42.epub?sig=a",
		CoverURL: "https://cdn.example.com/42.jpg?sig=b",
	}, doc)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/progress/42":
			_, _ = io.WriteString(w, `{"positionIndex":150,"totalPositions":500,"nativeToken":"loc-150",
				"isComplete":false,"updatedAt":"2026-05-01T09:00:00Z"}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	pos, err := client.GetProgress(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pos.DocumentID)
	assert.Equal(t, 150, pos.PositionIndex)
	assert.Equal(t, 500, pos.TotalPositions)
	assert.Equal(t, "loc-150", pos.NativeToken)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), pos.UpdatedAt)

	_, err = client.GetProgress(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()

	var got domain.ProgressUpdate
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	err := client.UpdateProgress(context.Background(), 42, domain.ProgressUpdate{PositionIndex: 200, TotalPositions: 500, NativeToken: "loc-200"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProgressUpdate{PositionIndex: 200, TotalPositions: 500, NativeToken: "loc-200"}, got)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n >= 3 {
			_, _ = io.WriteString(w, `{"positionIndex":1,"totalPositions":2}`)
			return
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	ctx := context.Background()

	_, err := client.GetProgress(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "GET retried on 5xx")

	calls.Store(0)
	err = client.UpdateProgress(ctx, 1, domain.ProgressUpdate{PositionIndex: 1})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "writes are not retried")
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/books/1":
			w.WriteHeader(http.StatusUnauthorized)
		case "/books/2":
			w.WriteHeader(http.StatusTeapot)
		case "/books/3":
			time.Sleep(200 * time.Millisecond)
		}
	})
	ctx := context.Background()

	_, err := client.GetDocument(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)

	_, err = client.GetDocument(ctx, 2)
	assert.ErrorContains(t, err, "418")

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = client.GetDocument(tctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	srv.Close()
	_, err = client.GetDocument(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrServerOffline)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "no API credentials to storage")
		switch r.URL.Query().Get("sig") {
		case "ok":
			_, _ = io.WriteString(w, "book bytes")
		case "expired":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer storage.Close()

	client, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, "from api")
	})
	ctx := context.Background()

	data, err := client.Download(ctx, storage.URL+"/42.epub?sig=ok")
	require.NoError(t, err)
	assert.Equal(t, "book bytes", string(data))

	_, err = client.Download(ctx, storage.URL+"/42.epub?sig=expired")
	assert.ErrorIs(t, err, domain.ErrAuthFailed)

	_, err = client.Download(ctx, storage.URL+"/42.epub")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	data, err = client.Download(ctx, api.URL+"/files/42")
	require.NoError(t, err)
	assert.Equal(t, "from api", string(data))
}

func TestMapFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.FormatEPUB, mapFormat("epub"))
	assert.Equal(t, domain.FormatPDF, mapFormat(".PDF"))
	assert.Equal(t, domain.FormatText, mapFormat("txt"))
	assert.Equal(t, domain.Format(""), mapFormat("mobi"))
}
