package config

// Config carries the settings of a push run: where push items come
// from, which services resolve and receive them, and how the run
// behaves. Layers of it are merged from the system, user and run-level
// config files, then finalized by command-line flags.
type Config struct {
	Version int `yaml:"version"`

	// Source is the push item source URL, e.g. "staged:/mnt/staged".
	Source string `yaml:"source,omitempty"`

	// Credentials lists marketplace credential entries, each either a
	// path to a credential file or its base64-encoded content.
	Credentials []string `yaml:"credentials,omitempty"`

	// PolicyURL is the base URL of the policy service answering
	// destination queries.
	PolicyURL string `yaml:"policy_url,omitempty"`

	// Repo holds pre-loaded policy mappings, either inline or as a file
	// path. Lookups hit it before the policy service.
	Repo string `yaml:"repo,omitempty"`

	// Offline disables the policy service entirely. Requires Repo.
	Offline bool `yaml:"offline,omitempty"`

	// PrePush stops short of making content visible to end users.
	PrePush bool `yaml:"pre_push,omitempty"`

	// Beta ships beta images instead of GA on community pushes.
	Beta bool `yaml:"beta,omitempty"`

	// DryRun skips the destructive half of delete runs.
	DryRun bool `yaml:"dry_run,omitempty"`

	// KeepSnapshot leaves AWS snapshots behind when deleting images.
	KeepSnapshot bool `yaml:"keep_snapshot,omitempty"`

	// Skip lists run phases to bypass, matched on their normalized
	// identifiers. Entries may be comma-separated.
	Skip []string `yaml:"skip,omitempty"`

	// Builds restricts delete and community runs to the named builds.
	Builds []string `yaml:"builds,omitempty"`

	// Limit caps how many push items a run takes from its sources. Zero
	// means the whole batch.
	Limit int `yaml:"limit,omitempty"`

	// ContainerPrefix prefixes the per-region storage containers used
	// by community uploads.
	ContainerPrefix string `yaml:"container_prefix,omitempty"`

	// ArtifactsDir is where run artifacts are stored when no external
	// collector is wired in.
	ArtifactsDir string `yaml:"artifacts_dir,omitempty"`

	RHSM    RHSMConfig   `yaml:"rhsm,omitempty"`
	Azure   AzureConfig  `yaml:"azure,omitempty"`
	Workers WorkerConfig `yaml:"workers,omitempty"`
}

// RHSMConfig locates the image metadata registry and the client
// certificate used to talk to it.
type RHSMConfig struct {
	URL  string `yaml:"url,omitempty"`
	Cert string `yaml:"cert,omitempty"`
	Key  string `yaml:"key,omitempty"`
}

// AzureConfig adjusts Azure-specific push behaviour.
type AzureConfig struct {
	// AllowDraftPush pushes onto offers even when they already have an
	// open draft, instead of refusing to touch them.
	AllowDraftPush bool `yaml:"allow_draft_push,omitempty"`
}

// WorkerConfig overrides the pool sizes of the push phases. Zero means
// the built-in default.
type WorkerConfig struct {
	// Request caps concurrent uploads.
	Request int `yaml:"request,omitempty"`
	// Process caps concurrent marketplace publishes per offer group.
	Process int `yaml:"process,omitempty"`
	// Community caps concurrent community uploads.
	Community int `yaml:"community,omitempty"`
}

// DefaultContainerPrefix is used when no container_prefix is
// configured for community uploads.
const DefaultContainerPrefix = "cloudpush-cloudimg"

// Default returns the baseline configuration used when no config file
// exists.
func Default() *Config {
	return &Config{Version: 1}
}
