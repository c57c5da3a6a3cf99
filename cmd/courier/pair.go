package courier

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/courier/pkg/config"
)

var pairOutput string

var pairCmd = &cobra.Command{
	Use:   "pair [channel]",
	Short: "Fetch the pending pairing QR code for a channel",
	Long:  "Polls the running gateway for the channel's pairing QR code and writes it as a PNG. The code rotates; re-run if scanning fails.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPair,
}

func init() {
	pairCmd.Flags().StringVarP(&pairOutput, "output", "o", "pairing.png", "file to write the QR image to")
}

func runPair(cmd *cobra.Command, args []string) error {
	channel := "whatsapp"
	if len(args) > 0 {
		channel = args[0]
	}

	cfg := config.Current()
	url := fmt.Sprintf("http://127.0.0.1:%d/channels/%s/qr", cfg.Gateway.Port, channel)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Gateway.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)
	}

	// the code is only issued while the channel is mid-pairing, so poll
	// briefly before giving up
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("gateway is not running: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("reading qr image: %w", err)
			}
			if err := os.WriteFile(pairOutput, data, 0600); err != nil {
				return fmt.Errorf("writing qr image: %w", err)
			}
			fmt.Printf("pairing code written to %s, scan it from the app\n", pairOutput)
			return nil
		}
		resp.Body.Close()

		if time.Now().After(deadline) {
			fmt.Printf("no pairing code pending for %q; is the channel starting up?\n", channel)
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
