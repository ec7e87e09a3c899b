// Package transmission implements a Transmission RPC client.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsair-dl/corsair/internal/transport"
)

const sessionIDHeader = "X-Transmission-Session-Id"

// Config holds the configuration for a Transmission client.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
}

// Client implements a Transmission RPC client that satisfies the
// transport.Gateway interface.
type Client struct {
	config     Config
	sessionID  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Compile-time check that Client implements Gateway.
var _ transport.Gateway = (*Client)(nil)

// New creates a new Transmission client.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "transmission").Logger(),
	}
}

// Probe verifies the connection and credentials with a session-get call.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.call(ctx, "session-get", nil)
	return err
}

// AddMagnet adds a torrent from a magnet link and returns its hash string.
func (c *Client) AddMagnet(ctx context.Context, magnet string, opts transport.AddOptions) (string, error) {
	if magnet == "" {
		return "", fmt.Errorf("%w: empty magnet link", transport.ErrRejected)
	}

	args := map[string]interface{}{
		"filename": magnet,
	}
	if opts.DownloadDir != "" {
		args["download-dir"] = opts.DownloadDir
	}
	if opts.Paused {
		args["paused"] = true
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return "", err
	}

	id, err := extractTransferID(resp)
	if err != nil {
		return "", err
	}

	c.logger.Info().Str("transfer_id", id).Msg("magnet added")
	return id, nil
}

var statusFields = []string{
	"id", "name", "status", "percentDone",
	"totalSize", "downloadDir", "hashString",
	"eta", "rateDownload", "rateUpload",
	"downloadedEver", "sizeWhenDone", "error", "errorString",
}

// List returns all transfers known to the daemon.
func (c *Client) List(ctx context.Context) ([]transport.Transfer, error) {
	args := map[string]interface{}{
		"fields": statusFields,
	}

	resp, err := c.call(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok {
		return []transport.Transfer{}, nil
	}

	transfers := make([]transport.Transfer, 0, len(torrentsRaw))
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		transfers = append(transfers, mapToTransfer(torrent))
	}

	return transfers, nil
}

// Get retrieves a specific transfer by its hash string.
func (c *Client) Get(ctx context.Context, id string) (*transport.Transfer, error) {
	args := map[string]interface{}{
		"ids":    []string{id},
		"fields": statusFields,
	}

	resp, err := c.call(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok || len(torrentsRaw) == 0 {
		return nil, transport.ErrNotFound
	}

	torrent, ok := torrentsRaw[0].(map[string]interface{})
	if !ok {
		return nil, transport.ErrNotFound
	}

	transfer := mapToTransfer(torrent)
	return &transfer, nil
}

// Remove removes a transfer; deleteFiles controls whether local data is
// removed as well.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	args := map[string]interface{}{
		"ids":               []string{id},
		"delete-local-data": deleteFiles,
	}

	_, err := c.call(ctx, "torrent-remove", args)
	return err
}

// Pause stops a transfer.
func (c *Client) Pause(ctx context.Context, id string) error {
	args := map[string]interface{}{
		"ids": []string{id},
	}

	_, err := c.call(ctx, "torrent-stop", args)
	return err
}

// Resume starts a transfer.
func (c *Client) Resume(ctx context.Context, id string) error {
	args := map[string]interface{}{
		"ids": []string{id},
	}

	_, err := c.call(ctx, "torrent-start", args)
	return err
}

// rpcRequest represents a Transmission RPC request.
type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// rpcResponse represents a Transmission RPC response.
type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, args map[string]interface{}) (*rpcResponse, error) {
	req, err := c.buildRPCRequest(ctx, method, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return c.handleSessionConflict(ctx, resp, method, args)
	}

	return c.parseRPCResponse(resp)
}

func (c *Client) buildRPCRequest(ctx context.Context, method string, args map[string]interface{}) (*http.Request, error) {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d/transmission/rpc", scheme, c.config.Host, c.config.Port)

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.config.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.config.Username + ":" + c.config.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	return req, nil
}

// handleSessionConflict renegotiates the CSRF session ID on a 409 and
// retries the call once with the new ID.
func (c *Client) handleSessionConflict(ctx context.Context, resp *http.Response, method string, args map[string]interface{}) (*rpcResponse, error) {
	c.sessionID = resp.Header.Get(sessionIDHeader)
	if c.sessionID == "" {
		return nil, fmt.Errorf("%w: received 409 but no session ID in response", transport.ErrRejected)
	}
	c.logger.Debug().Msg("session ID renegotiated")
	return c.call(ctx, method, args)
}

func (c *Client) parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, transport.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", transport.ErrUnreachable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", transport.ErrRejected, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", transport.ErrUnreachable, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", transport.ErrRejected, err)
	}

	if rpcResp.Result != "success" {
		return nil, fmt.Errorf("%w: RPC error: %s", transport.ErrRejected, rpcResp.Result)
	}

	return &rpcResp, nil
}

// mapToTransfer converts a Transmission torrent response to a Transfer.
func mapToTransfer(torrent map[string]interface{}) transport.Transfer {
	transfer := transport.Transfer{
		ID:            getString(torrent, "hashString"),
		Name:          getString(torrent, "name"),
		Status:        mapStatus(getInt(torrent, "status")),
		Progress:      getFloat(torrent, "percentDone"),
		Size:          int64(getFloat(torrent, "sizeWhenDone")),
		Downloaded:    int64(getFloat(torrent, "downloadedEver")),
		DownloadSpeed: int64(getFloat(torrent, "rateDownload")),
		UploadSpeed:   int64(getFloat(torrent, "rateUpload")),
		ETA:           int64(getFloat(torrent, "eta")),
		DownloadDir:   getString(torrent, "downloadDir"),
	}

	if errNum := getInt(torrent, "error"); errNum > 0 {
		transfer.Error = getString(torrent, "errorString")
		transfer.Status = transport.StatusWarning
	}

	return transfer
}

// extractTransferID extracts the hash string from a torrent-add response.
// A duplicate add resolves to the existing transfer's ID.
func extractTransferID(resp *rpcResponse) (string, error) {
	for _, key := range []string{"torrent-added", "torrent-duplicate"} {
		added, ok := resp.Arguments[key].(map[string]interface{})
		if !ok {
			continue
		}
		if hashString, ok := added["hashString"].(string); ok {
			return hashString, nil
		}
		if id, ok := added["id"].(float64); ok {
			return fmt.Sprintf("%d", int(id)), nil
		}
	}
	return "", fmt.Errorf("%w: could not extract transfer ID from response", transport.ErrRejected)
}

// mapStatus maps Transmission status codes to transfer statuses.
func mapStatus(status int) transport.Status {
	switch status {
	case 0: // Stopped
		return transport.StatusPaused
	case 1: // Queued to verify
		return transport.StatusQueued
	case 2: // Verifying
		return transport.StatusDownloading
	case 3: // Queued to download
		return transport.StatusQueued
	case 4: // Downloading
		return transport.StatusDownloading
	case 5: // Queued to seed
		return transport.StatusSeeding
	case 6: // Seeding
		return transport.StatusSeeding
	default:
		return transport.StatusUnknown
	}
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
