package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"whagate/internal/provider"
)

// MediaFetcher turns an attachment reference (a URL) into provider bytes.
type MediaFetcher interface {
	Fetch(ctx context.Context, url, mediaType, fileName string) (*provider.Attachment, error)
}

type httpMediaFetcher struct {
	client   *http.Client
	maxBytes int64
}

func newMediaFetcher(timeout time.Duration, maxBytes int64) *httpMediaFetcher {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &httpMediaFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *httpMediaFetcher) Fetch(ctx context.Context, url, mediaType, fileName string) (*provider.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", f.maxBytes)
	}
	return &provider.Attachment{
		MimeType: resp.Header.Get("Content-Type"),
		FileName: defaultFileName(mediaType, fileName),
		Data:     data,
	}, nil
}

func defaultFileName(mediaType, fileName string) string {
	if fileName != "" {
		return fileName
	}
	stamp := time.Now().Unix()
	switch mediaType {
	case "image":
		return fmt.Sprintf("image_%d.jpg", stamp)
	case "video":
		return fmt.Sprintf("video_%d.mp4", stamp)
	case "audio":
		return fmt.Sprintf("audio_%d.mp3", stamp)
	case "document":
		return fmt.Sprintf("document_%d.pdf", stamp)
	default:
		return fmt.Sprintf("attachment_%d", stamp)
	}
}
