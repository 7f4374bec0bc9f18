// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package analysis submits a compressed insole photo to the remote analysis
// service and returns its free-text answer.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// FieldName is the sole multipart field the service reads.
const FieldName = "image"

// DefaultTimeout bounds one submission when the caller passes no client.
const DefaultTimeout = 60 * time.Second

// ErrTransport covers every way a submission can fail: network errors,
// non-200 statuses and malformed bodies alike.
var ErrTransport = errors.New("analysis: transport error")

// Response is the service's JSON body.
type Response struct {
	Result *string `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Client talks to one analyze endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a Client for url. A nil client gets DefaultTimeout.
func NewClient(url string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{url: url, http: client}
}

// Analyze uploads jpeg and returns the result text.
func (c *Client) Analyze(ctx context.Context, jpeg []byte) (string, error) {
	body, contentType, err := Encode(jpeg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	var out Response
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode body: %v", ErrTransport, decodeErr)
	}
	if out.Result == nil {
		return "", fmt.Errorf("%w: body has no result", ErrTransport)
	}
	return *out.Result, nil
}

// Encode builds the multipart body carrying jpeg as the image field.
func Encode(jpeg []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="insole.jpg"`, FieldName))
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// ReadImage extracts the image field from a multipart request.
func ReadImage(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", err)
	}
	f, _, err := r.FormFile(FieldName)
	if err != nil {
		return nil, fmt.Errorf("missing %s field: %w", FieldName, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxBytes))
}
