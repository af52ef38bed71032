// Package messagingapi is the REST side of the messaging backend:
// conversation snapshots, message pages, read acknowledgments, file
// upload/download and reaction toggles. Every request carries the bearer
// token; every non-2xx response becomes an *APIError.
package messagingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/models"
)

// maxResponseBytes bounds JSON responses; downloads are bounded separately
const maxResponseBytes = 8 << 20

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://campus.example/api"
	BaseURL string
	// Token is the opaque bearer credential
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// MaxDownloadBytes caps Download bodies. Zero means 64 MiB.
	MaxDownloadBytes int64
	Logger           *zap.Logger
}

// Client talks to the messaging REST API
type Client struct {
	baseURL     string
	origin      string
	token       string
	httpClient  *http.Client
	maxDownload int64
	logger      *zap.Logger
}

// NewClient creates a new API client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("messaging api: BaseURL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("messaging api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxDownload := cfg.MaxDownloadBytes
	if maxDownload <= 0 {
		maxDownload = 64 << 20
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		origin:      originOf(base),
		token:       cfg.Token,
		httpClient:  httpClient,
		maxDownload: maxDownload,
		logger:      logger.OrNop(cfg.Logger).Named("messagingapi"),
	}, nil
}

// UploadResult is the durable reference returned by the upload endpoint
type UploadResult struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// Download is an authenticated binary body
type Download struct {
	Data        []byte
	ContentType string
}

// ListConversations returns the user's conversations, most recent activity first
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var conversations []models.Conversation
	if err := decodeList(body, &conversations); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation returns one conversation summary
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	var conversation models.Conversation
	if err := decodeObject(body, &conversation); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	return &conversation, nil
}

// CreateConversation starts a direct or group conversation
func (c *Client) CreateConversation(ctx context.Context, request models.CreateConversationRequest) (*models.Conversation, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/conversations", nil, request)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	var conversation models.Conversation
	if err := decodeObject(body, &conversation); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conversation, nil
}

// ListMessages returns one page of a conversation's messages, newest first
// as the server sends them.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, size int) ([]models.Message, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	body, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	var messages []models.Message
	if err := decodeList(body, &messages); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	return messages, nil
}

// MarkRead acknowledges every message of a conversation as read
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/mark-read", nil, nil)
	if err != nil {
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return nil
}

// ToggleReaction adds the user's emoji reaction to a message, or removes it
// if present. The new aggregate arrives on the message's reaction topic.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	request := map[string]string{"emoji": emoji}
	_, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", nil, request)
	if err != nil {
		return fmt.Errorf("toggle reaction on %s: %w", messageID, err)
	}
	return nil
}

// UploadFile sends a file as multipart/form-data field "file"
func (c *Client) UploadFile(ctx context.Context, fileName string, content io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("upload %s: reading content: %w", fileName, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}

	body, err := c.doRequestRaw(ctx, http.MethodPost, c.baseURL+"/files/upload", writer.FormDataContentType(), "application/json", &buf, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	var result UploadResult
	if err := decodeObject(body.Data, &result); err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	if result.FileURL == "" {
		return nil, fmt.Errorf("upload %s: response has no fileUrl", fileName)
	}

	c.logger.Debug("uploaded file", zap.String("file_name", result.FileName), zap.Int64("file_size", result.FileSize))
	return &result, nil
}

// Download fetches an attachment. fileURL may be absolute or relative to the
// API root; the bearer token is only sent to the API's own host.
func (c *Client) Download(ctx context.Context, fileURL string) (*Download, error) {
	target := fileURL
	if !strings.HasPrefix(fileURL, "http://") && !strings.HasPrefix(fileURL, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(fileURL, "/")
	}
	result, err := c.doRequestRaw(ctx, http.MethodGet, target, "", "", nil, c.maxDownload)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileURL, err)
	}
	return result, nil
}

// doRequest performs a JSON request against the API root and returns the
// response body. query and requestBody may be nil.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	result, err := c.doRequestRaw(ctx, method, requestURL, contentType, "application/json", bodyReader, maxResponseBytes)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *Client) doRequestRaw(ctx context.Context, method, requestURL, contentType, accept string, body io.Reader, limit int64) (*Download, error) {
	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		request.Header.Set("Accept", accept)
	}
	if c.token != "" && originOf(request.URL) == c.origin {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, request.URL.Path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(responseBody)) > limit {
		return nil, fmt.Errorf("%s %s: response exceeds %d bytes", method, request.URL.Path, limit)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return &Download{Data: responseBody, ContentType: response.Header.Get("Content-Type")}, nil
	}

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	c.logger.Debug("api error", zap.String("method", method), zap.String("path", request.URL.Path), zap.Int("status", response.StatusCode))
	return nil, apiErr
}

// decodeObject accepts either a bare JSON object or one wrapped as {"data": ...}
func decodeObject(body []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		body = envelope.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeList accepts a bare JSON array, {"data": [...]} or a paged
// {"content": [...]} body.
func decodeList(body []byte, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Data    json.RawMessage `json:"data"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		switch {
		case len(envelope.Data) > 0:
			trimmed = envelope.Data
		case len(envelope.Content) > 0:
			trimmed = envelope.Content
		default:
			return fmt.Errorf("decode response: no list in object body")
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
