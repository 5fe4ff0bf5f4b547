package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/httpclient"
)

// FileObject describes a file stored with the vendor.
type FileObject struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

type deletedObject struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// UploadFile sends content as a multipart form to /files under the given
// purpose ("assistants" when empty). The returned ID is what the tool
// endpoints reference.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, purpose string) (*FileObject, error) {
	if purpose == "" {
		purpose = "assistants"
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("purpose", purpose); err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "write multipart purpose field")
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "create multipart file field")
	}
	written, err := io.Copy(part, content)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindUploadFailed, err, "read %s for upload", filename)
	}
	if err := writer.Close(); err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "finalize multipart form")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files", &form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	prefix := fmt.Sprintf("[req:%s] ", newRequestID())
	c.logger.Debug("%s=== API Request ===", prefix)
	c.logger.Debug("%sURL: POST %s/files", prefix, c.baseURL)
	c.logger.Debug("%sUpload: %s (%d bytes, purpose=%s)", prefix, filename, written, purpose)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, runerrors.WrapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httpclient.ReadAllWithLimit(resp.Body, maxJSONResponseBytes)
	if err != nil {
		return nil, runerrors.WrapTransportError(err)
	}
	c.logResponse(prefix, resp, body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, runerrors.MapHTTPError(resp.StatusCode, body, resp.Header)
	}

	var file FileObject
	if err := decode(body, &file, "file"); err != nil {
		return nil, err
	}
	if file.ID == "" {
		return nil, runerrors.Newf(runerrors.KindUploadFailed, "the API accepted %s but returned no file ID", filename)
	}
	return &file, nil
}

// DownloadFileContent fetches the body of a regular (non-container) file.
func (c *Client) DownloadFileContent(ctx context.Context, fileID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}

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
				"file %s exceeds the %d MiB limit", fileID, MaxContainerFileBytes>>20)
		}
		return nil, runerrors.WrapTransportError(err)
	}
	return body, nil
}

// DeleteFile removes an uploaded file. A 404 is treated as success so
// cleanup stays idempotent.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	body, err := c.deleteJSON(ctx, "/files/"+fileID)
	if err != nil {
		if runerrors.StatusOf(err) == http.StatusNotFound {
			c.logger.Debug("file %s already deleted", fileID)
			return nil
		}
		return err
	}

	var deleted deletedObject
	if err := decode(body, &deleted, "file deletion"); err != nil {
		return err
	}
	if !deleted.Deleted {
		return runerrors.Newf(runerrors.KindAPI, "the API did not confirm deletion of file %s", fileID)
	}
	return nil
}
