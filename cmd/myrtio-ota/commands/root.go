package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/myrtio/myrtio-ota/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LogLevel is adjusted from --log-level before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "myrtio-ota --host <device> --image <firmware.bin>",
	Short: "Push a firmware image to a MyrtIO device over the air",
	Long: `Serves the firmware over HTTP, sends an OTA invite to the device over TCP
and waits until the device has downloaded the image.

Examples:
  myrtio-ota --host myrtio-rs1.lan --image target/ota/firmware.bin
  myrtio-ota --host 192.168.1.100 --image firmware.bin --http-port 8080
  myrtio-ota --host myrtio-rs1.lan --image s3://firmware/light/v1.4.0.bin`,
	SilenceUsage:      true,
	PersistentPreRunE: setLogLevel,
	RunE:              runPush,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("history-db", ".artifacts/history.db", "SQLite push history path")
	pf.String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	bindFlags(pf, "history-db", "fsm-db-path", "log-level")

	f := rootCmd.Flags()
	f.String("host", "", "Device hostname or IP address")
	f.String("image", "", "Path to firmware binary or s3://bucket/key")
	f.Int("tcp-port", config.DefaultTCPPort, "OTA TCP port on device")
	f.Int("http-port", config.DefaultHTTPPort, "Local HTTP server port")
	f.String("path", config.DefaultPath, "HTTP path for firmware")
	f.String("local-ip", "", "Address advertised to the device (default: auto-detect)")
	f.String("bind-address", "", "Address the HTTP server binds (default: all interfaces)")
	f.Duration("invite-timeout", 0, "Connect and acknowledgment timeout for the invite (default 10s)")
	f.Duration("session-timeout", 0, "How long to wait for the download after the invite (default 5m)")
	f.Int64("max-image-size", 0, "Reject images larger than this many bytes (default 4MiB)")
	f.String("work-dir", "", "Directory for downloaded images")
	f.String("s3-region", "", "Region for s3:// images")
	f.Bool("s3-anonymous", false, "Use unsigned requests for public buckets")
	f.String("metrics-textfile", "", "Write transfer metrics in Prometheus text format to this file")
	bindFlags(f, "host", "image", "tcp-port", "http-port", "path", "local-ip", "bind-address",
		"invite-timeout", "session-timeout", "max-image-size", "work-dir", "s3-region",
		"s3-anonymous", "metrics-textfile")
}

// bindFlags binds flags into viper. Unchanged flags fall back to the
// defaults set in config.Load.
func bindFlags(fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, fs.Lookup(name))
	}
}

func setLogLevel(cmd *cobra.Command, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(viper.GetString("log-level")))); err != nil {
		return fmt.Errorf("invalid log level %q", viper.GetString("log-level"))
	}
	LogLevel.Set(level)
	return nil
}
