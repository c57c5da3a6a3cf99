package courier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/courier/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway health and channel status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Current()
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		fmt.Println("status: gateway is not running")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("status: gateway returned %s\n", resp.Status)
		return nil
	}
	fmt.Println("status: gateway is healthy")

	req, err := http.NewRequest(http.MethodGet, base+"/channels", nil)
	if err != nil {
		return err
	}
	if cfg.Gateway.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)
	}
	resp, err = client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Channels []struct {
			ID        string `json:"id"`
			Network   string `json:"network"`
			Status    string `json:"status"`
			Connected bool   `json:"connected"`
		} `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}

	if len(payload.Channels) == 0 {
		fmt.Println("no channels configured")
		return nil
	}
	for _, ch := range payload.Channels {
		mark := " "
		if ch.Connected {
			mark = "*"
		}
		fmt.Printf("  %s %-12s %-10s %s\n", mark, ch.ID, ch.Network, ch.Status)
	}
	return nil
}
