package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien/internal/config"
	"github.com/luthien-dev/luthien/internal/policy"
)

const policyRequestTimeout = 10 * time.Second

// PolicyCommand groups the policy subcommands: show, set, and check.
func PolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and change the active policy",
	}
	cmd.PersistentFlags().String("server", "", "control plane base URL (default http://LUTHIEN_LISTEN)")
	cmd.PersistentFlags().String("admin-key", "", "admin API key (overrides LUTHIEN_ADMIN_KEY)")
	cmd.AddCommand(policyShowCommand(), policySetCommand(), policyCheckCommand())
	return cmd
}

func policyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active policy and the registered classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminRequest(cmd, http.MethodGet, "/api/policy", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func policySetCommand() *cobra.Command {
	var class, configJSON, fromFile string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Hot-swap the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg policy.Config
			switch {
			case fromFile != "":
				var err error
				if cfg, err = config.LoadPolicyFile(fromFile); err != nil {
					return err
				}
			case class != "":
				cfg.Class = class
				if configJSON != "" {
					if err := json.Unmarshal([]byte(configJSON), &cfg.Config); err != nil {
						return fmt.Errorf("parse --config: %w", err)
					}
				}
			default:
				return fmt.Errorf("either --class or --file is required")
			}

			payload, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			body, err := adminRequest(cmd, http.MethodPut, "/api/policy", payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "policy class name")
	cmd.Flags().StringVar(&configJSON, "config", "", "policy config as a JSON object")
	cmd.Flags().StringVar(&fromFile, "file", "", "YAML policy file to apply")
	return cmd
}

// policyCheckCommand validates a policy file offline: parse it and build the
// policy it names without touching a running server.
func policyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a policy file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPolicyFile(args[0])
			if err != nil {
				return err
			}
			if _, err := policy.Build(cfg, policy.Dependencies{}); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", cfg.Class)
			return nil
		},
	}
}

func adminRequest(cmd *cobra.Command, method, path string, payload []byte) ([]byte, error) {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		listen := os.Getenv("LUTHIEN_LISTEN")
		if listen == "" {
			listen = config.DefaultListen
		}
		base = "http://" + listen
	}
	key, _ := cmd.Flags().GetString("admin-key")
	if key == "" {
		key = os.Getenv("LUTHIEN_ADMIN_KEY")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: policyRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(out))
	}
	return out, nil
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
