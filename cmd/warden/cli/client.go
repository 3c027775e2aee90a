package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/faucetdb/warden/internal/model"
)

// apiClient calls the system API of a running server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient targets serverURL, or the configured listen address when
// empty. token falls back to WARDEN_TOKEN.
func newAPIClient(serverURL, token string) (*apiClient, error) {
	if serverURL == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		serverURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	if token == "" {
		token = viper.GetString("token")
	}
	return &apiClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// do sends a request and decodes a JSON response into out. Error envelopes
// are returned as errors carrying their kind.
func (c *apiClient) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope model.ErrorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			if envelope.Error.Kind != "" {
				return fmt.Errorf("%s (%d %s)", envelope.Error.Message, resp.StatusCode, envelope.Error.Kind)
			}
			return fmt.Errorf("%s (%d)", envelope.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
