package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "inspect a running cachebridge daemon",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show root queue depth and daemon response time",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().String("control-addr", "127.0.0.1:7938", "bridged control-plane address")
	statusCmd.Flags().Bool("raw", false, "print the raw JSON response")
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	RootQueueDepth int `json:"root_queue_depth"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("control-addr")
	raw, _ := cmd.Flags().GetBool("raw")

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, fmt.Sprintf("http://%s/v1/status", addr), nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bridgectl: contact daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridgectl: daemon returned %s: %s", resp.Status, body)
	}

	if raw {
		fmt.Println(string(body))
		return nil
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		fmt.Println(string(body))
		return nil
	}

	fmt.Printf("queue depth (root): %s\n", humanize.Comma(int64(status.RootQueueDepth)))
	fmt.Printf("responded in:       %s\n", humanize.RelTime(start, time.Now(), "", ""))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
