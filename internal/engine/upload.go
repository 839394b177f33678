package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/emilAIT/chatsync/internal/outbound"
	"github.com/emilAIT/chatsync/internal/transport"
	"github.com/emilAIT/chatsync/internal/wire"
)

// HTTPUploader uploads media to the backend's upload endpoint and returns
// the attachment descriptor the server assigns. Messages carry only the
// descriptor; bytes never travel over the chat socket.
type HTTPUploader struct {
	url    string
	creds  transport.CredentialProvider
	client *http.Client
}

// NewHTTPUploader creates an uploader for the given endpoint.
func NewHTTPUploader(url string, creds transport.CredentialProvider) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		creds:  creds,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// UploadMedia posts the file as multipart form data.
func (u *HTTPUploader) UploadMedia(ctx context.Context, f outbound.File) (wire.Attachment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return wire.Attachment{}, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return wire.Attachment{}, fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return wire.Attachment{}, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &body)
	if err != nil {
		return wire.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	token, err := u.creds.Token()
	if err != nil {
		return wire.Attachment{}, fmt.Errorf("fetch credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return wire.Attachment{}, fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return wire.Attachment{}, fmt.Errorf("upload media: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var att wire.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return wire.Attachment{}, fmt.Errorf("decode upload response: %w", err)
	}
	return att, nil
}
