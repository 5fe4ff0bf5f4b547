package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/httpclient"
)

const (
	// containerDownloadTimeout bounds each container file transfer
	// independently of the run deadline.
	containerDownloadTimeout = 30 * time.Second

	// MaxContainerFileBytes is the hard cap on a single container file.
	// The preflight rejects larger files before any bytes move; the
	// download enforces it again for servers that omit Content-Length.
	MaxContainerFileBytes = 100 << 20
)

func containerFilePath(containerID, fileID string) string {
	return "/containers/" + containerID + "/files/" + fileID + "/content"
}

// StatContainerFile issues a HEAD preflight for a container file and returns
// its advertised size. Servers that omit Content-Length report -1; the
// download still enforces the size cap in that case.
func (c *Client) StatContainerFile(ctx context.Context, containerID, fileID string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, containerFilePath(containerID, fileID), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, runerrors.WrapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, runerrors.MapHTTPError(resp.StatusCode, nil, resp.Header)
	}
	return resp.ContentLength, nil
}

// DownloadContainerFile fetches a container file body under its own 30s
// deadline, so one slow transfer cannot consume the whole run budget.
func (c *Client) DownloadContainerFile(ctx context.Context, containerID, fileID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, containerDownloadTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, containerFilePath(containerID, fileID), nil)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("[req:%s] ", newRequestID())
	c.logger.Debug("%s=== API Request ===", prefix)
	c.logger.Debug("%sURL: GET %s%s", prefix, c.baseURL, containerFilePath(containerID, fileID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, runerrors.WrapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
		return nil, runerrors.MapHTTPError(resp.StatusCode, body, resp.Header)
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, MaxContainerFileBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, runerrors.Wrapf(runerrors.KindDownloadFailed, err,
				"container file %s exceeds the %d MiB limit", fileID, MaxContainerFileBytes>>20)
		}
		return nil, runerrors.WrapTransportError(err)
	}

	c.logger.Debug("%sDownloaded %d bytes from container %s", prefix, len(body), containerID)
	return body, nil
}
