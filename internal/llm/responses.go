package llm

import (
	"context"
	"encoding/json"
	"strings"

	runerrors "schemarun/internal/errors"
)

// Response is the envelope returned by POST /responses.
type Response struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Model             string             `json:"model"`
	Output            []OutputItem       `json:"output"`
	OutputText        any                `json:"output_text"`
	Usage             Usage              `json:"usage"`
	Error             *ResponseError     `json:"error"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ResponseError struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// OutputItem is one entry of the response output list. Tool invocations the
// model ran server-side (code execution, retrieval) appear as their own item
// types alongside the final "message" item.
type OutputItem struct {
	Type        string           `json:"type"`
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Role        string           `json:"role"`
	ContainerID string           `json:"container_id"`
	Content     []ContentPart    `json:"content"`
	Results     []CodeExecResult `json:"results"`
}

// CodeExecResult is one output of a code execution call. File results carry
// the IDs of artifacts written inside the container.
type CodeExecResult struct {
	Type  string         `json:"type"`
	Files []CodeExecFile `json:"files"`
}

type CodeExecFile struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

type ContentPart struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations"`
}

// Annotation marks a span of output text. The type "container_file_citation"
// carries the coordinates of a file the model produced inside its execution
// container.
type Annotation struct {
	Type        string `json:"type"`
	ContainerID string `json:"container_id"`
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
}

// Text concatenates the text parts of every message item, falling back to
// the flattened output_text field when no message items carry text.
func (r *Response) Text() string {
	var builder strings.Builder
	for _, item := range r.Output {
		if strings.ToLower(strings.TrimSpace(item.Type)) != "message" {
			continue
		}
		for _, part := range item.Content {
			kind := strings.ToLower(strings.TrimSpace(part.Type))
			if kind == "output_text" || kind == "text" {
				builder.WriteString(part.Text)
			}
		}
	}

	content := builder.String()
	if strings.TrimSpace(content) == "" {
		if text := flattenOutputText(r.OutputText); text != "" {
			content = text
		}
	}
	return content
}

// ContainerCitations returns every container_file_citation annotation in
// output order. Duplicate file IDs are preserved; callers dedupe.
func (r *Response) ContainerCitations() []Annotation {
	var citations []Annotation
	for _, item := range r.Output {
		for _, part := range item.Content {
			for _, ann := range part.Annotations {
				if strings.EqualFold(ann.Type, "container_file_citation") {
					citations = append(citations, ann)
				}
			}
		}
	}
	return citations
}

// CreateResponse posts payload to /responses and decodes the envelope. The
// payload is sent as-is except for stream, which is always forced to false:
// this client only consumes complete responses.
func (c *Client) CreateResponse(ctx context.Context, payload map[string]any) (*Response, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["stream"] = false

	raw, err := c.postJSON(ctx, "/responses", body)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := decode(raw, &resp, "response"); err != nil {
		return nil, err
	}

	if resp.Error != nil && resp.Error.Message != "" {
		cliErr := runerrors.Newf(runerrors.KindAPI, "the API reported a failed response: %s", resp.Error.Message).
			WithContext("response_id", resp.ID)
		if len(resp.Error.Code) > 0 {
			cliErr = cliErr.WithContext("error_code", strings.Trim(string(resp.Error.Code), `"`))
		}
		return nil, cliErr
	}

	c.logger.Debug("=== API Response Summary ===")
	c.logger.Debug("Response ID: %s", resp.ID)
	c.logger.Debug("Status: %s", resp.Status)
	c.logger.Debug("Output Items: %d", len(resp.Output))
	c.logger.Debug("Usage: %d input + %d output = %d total tokens",
		resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)

	return &resp, nil
}

func flattenOutputText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var builder strings.Builder
		for _, item := range v {
			if s, ok := item.(string); ok {
				builder.WriteString(s)
			}
		}
		return builder.String()
	default:
		return ""
	}
}
