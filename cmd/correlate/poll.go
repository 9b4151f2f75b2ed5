package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"latency-correlations/internal/models"
)

var (
	pollAddr     string
	pollInterval time.Duration
	pollClientID string
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Submit a search to the API and poll it until it finishes",
	Long: `Submit a correlation search to a running API, poll it until it is no longer
running and print the final response as JSON.

Examples:
  correlate poll --addr http://localhost:8080 --service opbeans-go --percentile 99`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := &apiClient{base: strings.TrimRight(pollAddr, "/"), http: &http.Client{Timeout: 30 * time.Second}, clientID: pollClientID}
		resp, err := pollSearch(cmd.Context(), c, params, pollInterval, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	addSearchFlags(pollCmd)
	pollCmd.Flags().StringVar(&pollAddr, "addr", "http://localhost:8080", "API base URL")
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 500*time.Millisecond, "delay between polls")
	pollCmd.Flags().StringVar(&pollClientID, "client-id", "correlate-cli", "X-Client-ID sent with the submission")
}

type apiClient struct {
	base     string
	http     *http.Client
	clientID string
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (models.SearchResponse, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return models.SearchResponse{}, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return models.SearchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.SearchResponse{}, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	var out models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.SearchResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// pollSearch submits p and polls until the job stops running, echoing new log lines.
func pollSearch(ctx context.Context, c *apiClient, p models.SearchParams, interval time.Duration, progress io.Writer) (models.SearchResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/internal/correlations/search", models.SearchRequest{Params: p})
	if err != nil {
		return models.SearchResponse{}, err
	}
	log.Info("search submitted", "id", resp.ID)

	printed := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for ; printed < len(resp.RawResponse.Log); printed++ {
			fmt.Fprintf(progress, "[%3d%%] %s\n", resp.Loaded, resp.RawResponse.Log[printed])
		}
		if !resp.IsRunning {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-ticker.C:
		}
		if resp, err = c.do(ctx, http.MethodGet, "/internal/correlations/search/"+resp.ID, nil); err != nil {
			return models.SearchResponse{}, err
		}
	}
}
