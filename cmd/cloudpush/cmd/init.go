package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initForce bool

// initTemplate is the default cloudpush.yaml scaffold. It includes a
// working staged source example and commented-out alternatives.
const initTemplate = `# cloudpush configuration
version: 1

# Where push items come from. Can be repeated on the command line
# with --source.
source: staged:/mnt/staged

# Marketplace credentials: file paths or base64-encoded content.
# credentials:
#   - /etc/cloudpush/aws-na.json
#   - /etc/cloudpush/azure-emea.json

# Policy service answering destination queries.
# policy_url: https://starmap.example.com

# Pre-loaded policy mappings, either a file path or inline YAML.
# Lookups hit it before the policy service; required with offline.
# repo: /etc/cloudpush/mappings.yaml
# offline: false

# Image metadata registry (community pushes and deletes).
# rhsm:
#   url: https://rhsm.example.com
#   cert: /etc/pki/cloudpush/cert.pem
#   key: /etc/pki/cloudpush/key.pem

# azure:
#   allow_draft_push: false

# workers:
#   request: 5      # concurrent uploads
#   process: 2      # concurrent marketplace publishes
#   community: 10   # concurrent community uploads

# Run phases to bypass, e.g. "push,publish".
# skip: []

# Process at most this many push items per run. 0 means the whole batch.
# limit: 0

# Where run artifacts such as clouds.json are written.
# artifacts_dir: ./artifacts
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter cloudpush.yaml configuration",
	Long: `Creates a cloudpush.yaml file with a commented template covering the
push item source, credentials, policy service and registry settings.

Use --force to overwrite an existing configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath := configPath
		if outPath == "" {
			outPath = "cloudpush.yaml"
		}
		if !filepath.IsAbs(outPath) {
			abs, err := filepath.Abs(outPath)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			outPath = abs
		}

		if !initForce {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}
		}

		if err := os.WriteFile(outPath, []byte(initTemplate), 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		info("Created %s", outPath)
		info("")
		info("Next steps:")
		info("  1. Edit the file to point at your push item source")
		info("  2. Add marketplace credentials and the policy service URL")
		info("  3. Run 'cloudpush push --source <url>' to push a batch")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")
	rootCmd.AddCommand(initCmd)
}
