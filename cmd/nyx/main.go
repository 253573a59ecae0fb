package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.3.0"

var (
	serverURL string
	apiKey    string
	token     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nyx",
		Short: "Nyx - confidence-gated voice command dispatcher",
		Long: `nyx routes natural-language commands to modules, asks for confirmation
when it is unsure and learns from the answers.

Run "nyx serve" to start the server. The other commands talk to a running
server; their output is JSON (pipe through jq for formatting).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Nyx server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("NYX_API_KEY"), "API key for authenticated servers")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("NYX_TOKEN"), "Bearer token for authenticated servers")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newModuleCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newWeightsCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("NYX_SERVER"); server != "" {
		return server
	}
	return "http://localhost:3000"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nyx version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nyx %s\n", version)
		},
	}
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// authorize adds whichever credential was supplied.
func authorize(h http.Header) {
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if apiKey != "" {
		h.Set("X-API-Key", apiKey)
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorize(req.Header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodGet, path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, nil, data)
}

func (c *Client) delete(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodDelete, path, params, nil)
}

// outputJSON pretty-prints JSON data, falling back to the raw bytes.
func outputJSON(w io.Writer, data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
