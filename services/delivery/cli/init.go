package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultDeliveryYAML = `# XiaozhiPlus — Delivery config
# Priority: CLI flag > this file > default.

broker_url: "tcp://localhost:1883"
# broker_username: ""
# broker_password: ""
log_level:  "info"

http_port:    "8080"
metrics_addr: ":9091"

queue_capacity:   50
playback_timeout: "60s"   # accepts Go duration strings: 30s, 1m, 2m30s
ack_grace:        "5s"

# --- Speech synthesis ---
# Leave tts_endpoint empty to run voiceless (commands are still published).
# tts_endpoint: "https://eastus.tts.speech.microsoft.com/cognitiveservices/v1"
# tts_key:      ""
# tts_voice:    "en-US-AvaNeural"

# --- Audio gateway ---
# Leave empty to run voiceless.
# audio_gateway_url: "http://localhost:8090"

# --- Redis (optional) ---
# When set, audit records live in Redis with a TTL and submissions are
# rate-limited per device. When empty the audit store is in-memory and
# submissions are unlimited.
# redis_addr:  "localhost:6379"
# rate_limit:  30
# rate_window: "1m"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`

func newInitCmd(serviceName, defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.xiaozhiplus/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, serviceName),
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".xiaozhiplus", serviceName+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
