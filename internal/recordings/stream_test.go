package recordings

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionscope/backend/internal/models"
)

type fakeSigner struct {
	url     string
	err     error
	seenKey string
}

func (f *fakeSigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.seenKey = key
	return f.url, f.err
}

func TestIsValidBlobKey(t *testing.T) {
	valid := []string{
		"1619712000000-1619712060000",
		"1619712000000-1619712060000.json",
		"1-2.jsonl",
	}
	for _, key := range valid {
		assert.True(t, IsValidBlobKey(key), key)
	}

	invalid := []string{
		"",
		"abc",
		"100",
		"100-200-300",
		"100-abc",
		"../100-200",
		"100-200.json/../../secret",
		"100-200.tar.gz",
	}
	for _, key := range invalid {
		assert.False(t, IsValidBlobKey(key), key)
	}
}

func TestNormalizeETag(t *testing.T) {
	assert.Equal(t, "abc", normalizeETag(`W/"abc"`))
	assert.Equal(t, "abc", normalizeETag(`"abc"`))
	assert.Equal(t, "abc", normalizeETag("abc"))
	assert.Equal(t, "", normalizeETag(""))
}

func TestStream(t *testing.T) {
	rec := testRecording()

	t.Run("relays body and normalizes the upstream etag", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `W/"abc"`)
			_, _ = io.WriteString(w, `{"snapshots": []}`)
		}))
		defer upstream.Close()

		signer := &fakeSigner{url: upstream.URL}
		streamer := NewStreamer(signer, "session_recordings", time.Minute, nil)
		w := httptest.NewRecorder()
		timings := NewTimings()

		err := streamer.Stream(context.Background(), w, rec, "100-200.json", "", timings)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"snapshots": []}`, w.Body.String())
		assert.Equal(t, "abc", w.Header().Get("ETag"))
		assert.Equal(t, "max-age=3600", w.Header().Get("Cache-Control"))
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "inline", w.Header().Get("Content-Disposition"))
		assert.Equal(t, rec.BlobIngestionPath("session_recordings")+"/100-200.json", signer.seenKey)
	})

	t.Run("forwards a weakened conditional header as a strong etag", func(t *testing.T) {
		var gotIfNoneMatch string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotIfNoneMatch = r.Header.Get("If-None-Match")
			w.WriteHeader(http.StatusNotModified)
		}))
		defer upstream.Close()

		streamer := NewStreamer(&fakeSigner{url: upstream.URL}, "session_recordings", time.Minute, nil)
		w := httptest.NewRecorder()

		err := streamer.Stream(context.Background(), w, rec, "100-200.json", `W/"abc"`, NewTimings())
		require.NoError(t, err)
		assert.Equal(t, "abc", gotIfNoneMatch)
		assert.Equal(t, http.StatusNotModified, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("keeps the upstream cache control when present", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "max-age=60")
			_, _ = io.WriteString(w, "{}")
		}))
		defer upstream.Close()

		streamer := NewStreamer(&fakeSigner{url: upstream.URL}, "session_recordings", time.Minute, nil)
		w := httptest.NewRecorder()

		err := streamer.Stream(context.Background(), w, rec, "100-200.json", "", NewTimings())
		require.NoError(t, err)
		assert.Equal(t, "max-age=60", w.Header().Get("Cache-Control"))
	})

	t.Run("rejects malformed blob keys before signing", func(t *testing.T) {
		signer := &fakeSigner{url: "http://unused"}
		streamer := NewStreamer(signer, "session_recordings", time.Minute, nil)

		err := streamer.Stream(context.Background(), httptest.NewRecorder(), rec, "../../etc/passwd", "", NewTimings())
		assert.ErrorIs(t, err, ErrInvalidBlobKey)
		assert.Empty(t, signer.seenKey)
	})

	t.Run("a failed presign presents as blob unavailable", func(t *testing.T) {
		signer := &fakeSigner{err: io.ErrUnexpectedEOF}
		streamer := NewStreamer(signer, "session_recordings", time.Minute, nil)

		err := streamer.Stream(context.Background(), httptest.NewRecorder(), rec, "100-200.json", "", NewTimings())
		assert.ErrorIs(t, err, ErrBlobUnavailable)
	})

	t.Run("upstream failure status is relayed, not rewritten", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer upstream.Close()

		streamer := NewStreamer(&fakeSigner{url: upstream.URL}, "session_recordings", time.Minute, nil)
		w := httptest.NewRecorder()
		err := streamer.Stream(context.Background(), w, rec, "100-200.json", "", NewTimings())
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("persisted recordings resolve under the storage path", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{}")
		}))
		defer upstream.Close()

		persisted := rec
		persisted.ObjectStoragePath = "session_recordings_lts/some/path/data"
		persisted.StorageVersion = models.StorageVersion20230801

		signer := &fakeSigner{url: upstream.URL}
		streamer := NewStreamer(signer, "session_recordings", time.Minute, nil)

		err := streamer.Stream(context.Background(), httptest.NewRecorder(), persisted, "100-200.json", "", NewTimings())
		require.NoError(t, err)
		assert.Equal(t, "session_recordings_lts/some/path/data/100-200.json", signer.seenKey)
	})

	t.Run("unknown storage version is an error", func(t *testing.T) {
		persisted := rec
		persisted.ObjectStoragePath = "somewhere"
		persisted.StorageVersion = "2019-01-01"

		streamer := NewStreamer(&fakeSigner{url: "http://unused"}, "session_recordings", time.Minute, nil)
		err := streamer.Stream(context.Background(), httptest.NewRecorder(), persisted, "100-200.json", "", NewTimings())
		assert.ErrorIs(t, err, ErrUnknownStorageVersion)
	})
}
