package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// DriveClient uploads archive files to a Drive-compatible storage API using
// OAuth2 client credentials.
type DriveClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// DriveConfig configures the drive uploader
type DriveConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	TokenURL      string
	UploadTimeout time.Duration
}

// NewDriveClient creates a drive uploader. The returned client refreshes
// its access token automatically.
func NewDriveClient(cfg DriveConfig) (*DriveClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("drive base URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("drive client credentials are required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("drive token URL is required")
	}

	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"https://www.googleapis.com/auth/drive.file"},
	}

	client := creds.Client(context.Background())
	client.Timeout = timeout

	return &DriveClient{
		baseURL: cfg.BaseURL,
		client:  client,
		timeout: timeout,
	}, nil
}

// fileMetadata is the Drive multipart metadata part
type fileMetadata struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents,omitempty"`
}

// uploadResponse is the subset of the Drive response we care about
type uploadResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Upload pushes one file into the given folder and returns the content size
func (c *DriveClient) Upload(ctx context.Context, folder, name string, content []byte) (int64, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to create metadata part: %w", err)
	}
	meta := fileMetadata{Name: name, MimeType: "application/json"}
	if folder != "" {
		meta.Parents = []string{folder}
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	contentHeader := textproto.MIMEHeader{}
	contentHeader.Set("Content-Type", "application/json")
	contentPart, err := writer.CreatePart(contentHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to create content part: %w", err)
	}
	if _, err := contentPart.Write(content); err != nil {
		return 0, fmt.Errorf("failed to write content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := c.baseURL + "/upload/drive/v3/files?uploadType=multipart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload returned HTTP %d: %s", resp.StatusCode, respBody)
	}

	var wire uploadResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return 0, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if wire.ID == "" {
		return 0, fmt.Errorf("upload response missing file ID")
	}

	return int64(len(content)), nil
}
