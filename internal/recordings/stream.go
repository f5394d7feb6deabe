package recordings

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sessionscope/backend/internal/models"
)

// blobKeyPattern is the only shape a client-supplied blob key may take: the
// two-epoch name discovered through source listing, optionally with an
// extension. Anything else is rejected before it can touch a bucket path.
var blobKeyPattern = regexp.MustCompile(`^\d+-\d+(\.\w+)?$`)

// ErrInvalidBlobKey means the client asked for a blob key that could never
// have come from source listing.
var ErrInvalidBlobKey = fmt.Errorf("invalid blob key")

// ErrBlobUnavailable means no signed URL could be minted for the blob. To
// the client the blob simply does not exist.
var ErrBlobUnavailable = fmt.Errorf("snapshot blob unavailable")

// IsValidBlobKey reports whether a client-supplied blob key is well formed.
func IsValidBlobKey(key string) bool {
	return blobKeyPattern.MatchString(key)
}

// URLSigner mints short-lived GET URLs for blob store objects.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Streamer relays blob snapshot data from object storage to the client
// without buffering it, preserving conditional request semantics so browsers
// can revalidate cheaply.
type Streamer struct {
	signer          URLSigner
	client          *http.Client
	ingestionPrefix string
	presignExpire   time.Duration
	logger          *zap.Logger
}

func NewStreamer(signer URLSigner, ingestionPrefix string, presignExpire time.Duration, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		signer:          signer,
		client:          &http.Client{Timeout: 30 * time.Second},
		ingestionPrefix: strings.TrimSuffix(ingestionPrefix, "/"),
		presignExpire:   presignExpire,
		logger:          logger,
	}
}

// Stream proxies one blob to the client. The caller's If-None-Match value is
// forwarded upstream so a 304 short-circuits the transfer; the upstream ETag
// and Cache-Control travel back on the response.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, rec models.Recording, blobKey string, ifNoneMatch string, timings *Timings) error {
	if !IsValidBlobKey(blobKey) {
		return fmt.Errorf("%w: %q", ErrInvalidBlobKey, blobKey)
	}
	fileKey, err := s.resolveFileKey(rec, blobKey)
	if err != nil {
		return err
	}

	stopPresign := timings.Measure("generate_presigned_url")
	signedURL, err := s.signer.PresignGet(ctx, fileKey, s.presignExpire)
	stopPresign()
	if err != nil {
		s.logger.Warn("presign blob url failed", zap.String("key", fileKey), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrBlobUnavailable, blobKey)
	}

	stopStream := timings.Measure("stream_blob_to_client")
	defer stopStream()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return fmt.Errorf("build blob request: %w", err)
	}
	if etag := normalizeETag(ifNoneMatch); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch blob: %w", err)
	}
	defer resp.Body.Close()

	// The upstream status is relayed as-is, failures included, so the
	// client observes exactly what the blob store reported. Cache headers
	// only go out on the success paths.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotModified:
		if etag := normalizeETag(resp.Header.Get("ETag")); etag != "" {
			w.Header().Set("ETag", etag)
		}
		cacheControl := resp.Header.Get("Cache-Control")
		if cacheControl == "" {
			cacheControl = "max-age=3600"
		}
		w.Header().Set("Cache-Control", cacheControl)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "inline")
	default:
		s.logger.Warn("blob store error relayed",
			zap.String("session_id", rec.SessionID),
			zap.String("blob_key", blobKey),
			zap.Int("status", resp.StatusCode))
	}

	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The client likely went away mid-transfer; headers are already out.
		s.logger.Debug("blob stream interrupted",
			zap.String("session_id", rec.SessionID), zap.Error(err))
	}
	return nil
}

// resolveFileKey maps a validated blob key to the full object key it lives
// under, following where the recording's data currently is.
func (s *Streamer) resolveFileKey(rec models.Recording, blobKey string) (string, error) {
	if rec.Persisted() {
		if rec.StorageVersion != models.StorageVersion20230801 {
			return "", fmt.Errorf("%w: %q", ErrUnknownStorageVersion, rec.StorageVersion)
		}
		return rec.ObjectStoragePath + "/" + blobKey, nil
	}
	return rec.BlobIngestionPath(s.ingestionPrefix) + "/" + blobKey, nil
}

// normalizeETag strips the weak validator prefix and surrounding quotes. The
// blob store only understands strong ETags, and some proxies weaken them in
// flight.
func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
