package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	configPath  string
	credentials []string
	repoInput   string
	offline     bool
	skipSteps   []string
	debugCount  int
	noColor     bool
)

// exitCodeRunFailed is returned when a run completed but its outcome was
// a failure: failed push targets, or an empty batch that was not allowed.
// Usage and configuration errors exit 1 as usual.
const exitCodeRunFailed = 30

// runFailedError marks a completed run with a failed outcome so Execute
// can map it to exitCodeRunFailed.
type runFailedError struct {
	msg string
}

func (e *runFailedError) Error() string { return e.msg }

func failRun(format string, args ...any) error {
	return &runFailedError{msg: fmt.Sprintf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "cloudpush",
	Short: "Push VM images to cloud marketplaces",
	Long: `cloudpush orchestrates VM image delivery to cloud marketplaces. It loads
push items from staged or remote sources, resolves their delivery targets
through the policy service, uploads the images to their marketplace
accounts and walks each target product through associate, pre-publish and
go-live. Community images upload to the community storage accounts and
register with the image metadata registry instead.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cloudpush %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a run-level config file")
	rootCmd.PersistentFlags().StringArrayVar(&credentials, "credentials", nil,
		"marketplace credentials: a file path or base64-encoded content, repeatable")
	rootCmd.PersistentFlags().StringVar(&repoInput, "repo", "",
		"pre-loaded policy mappings: a file path or inline YAML/JSON")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "never consult the policy service, use --repo only")
	rootCmd.PersistentFlags().StringSliceVar(&skipSteps, "skip", nil, "comma-separated run phases to skip")
	rootCmd.PersistentFlags().CountVarP(&debugCount, "debug", "d", "increase log verbosity, repeatable")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var rf *runFailedError
		if errors.As(err, &rf) {
			return exitCodeRunFailed
		}
		return 1
	}
	return 0
}
