package config

import "fmt"

// Merge combines two configs where overlay takes precedence over base.
// This implements the hierarchical merge semantics:
//   - version: must agree if both declare it (non-zero); fatal error on mismatch
//   - strings and worker counts: overlay wins when it sets a value
//   - booleans: sticky — once a layer enables one, later layers keep it
//   - skip, builds, credentials: concatenate (base first), exact duplicates dropped
func Merge(base, overlay *Config) (*Config, error) {
	if base == nil {
		return overlay, nil
	}
	if overlay == nil {
		return base, nil
	}

	result := &Config{}

	if err := mergeVersion(base.Version, overlay.Version, &result.Version); err != nil {
		return nil, err
	}

	result.Source = mergeString(base.Source, overlay.Source)
	result.PolicyURL = mergeString(base.PolicyURL, overlay.PolicyURL)
	result.Repo = mergeString(base.Repo, overlay.Repo)
	result.ContainerPrefix = mergeString(base.ContainerPrefix, overlay.ContainerPrefix)
	result.ArtifactsDir = mergeString(base.ArtifactsDir, overlay.ArtifactsDir)

	result.Offline = base.Offline || overlay.Offline
	result.PrePush = base.PrePush || overlay.PrePush
	result.Beta = base.Beta || overlay.Beta
	result.DryRun = base.DryRun || overlay.DryRun
	result.KeepSnapshot = base.KeepSnapshot || overlay.KeepSnapshot

	result.Skip = mergeList(base.Skip, overlay.Skip)
	result.Builds = mergeList(base.Builds, overlay.Builds)
	result.Credentials = mergeList(base.Credentials, overlay.Credentials)
	result.Limit = mergeInt(base.Limit, overlay.Limit)

	result.RHSM = RHSMConfig{
		URL:  mergeString(base.RHSM.URL, overlay.RHSM.URL),
		Cert: mergeString(base.RHSM.Cert, overlay.RHSM.Cert),
		Key:  mergeString(base.RHSM.Key, overlay.RHSM.Key),
	}
	result.Azure = AzureConfig{
		AllowDraftPush: base.Azure.AllowDraftPush || overlay.Azure.AllowDraftPush,
	}
	result.Workers = WorkerConfig{
		Request:   mergeInt(base.Workers.Request, overlay.Workers.Request),
		Process:   mergeInt(base.Workers.Process, overlay.Workers.Process),
		Community: mergeInt(base.Workers.Community, overlay.Workers.Community),
	}

	return result, nil
}

// MergeAll merges multiple configs in order (lowest precedence first).
// Returns an error if any version mismatch is found.
func MergeAll(configs []*Config) (*Config, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no configs to merge")
	}

	result := configs[0]
	for i := 1; i < len(configs); i++ {
		var err error
		result, err = Merge(result, configs[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func mergeVersion(base, overlay int, out *int) error {
	switch {
	case base == 0 && overlay == 0:
		*out = 0 // neither declares; validation will catch this
	case base == 0:
		*out = overlay
	case overlay == 0:
		*out = base
	case base == overlay:
		*out = base
	default:
		return fmt.Errorf("config version mismatch: one layer declares version %d, another declares version %d — all config layers must agree on version", base, overlay)
	}
	return nil
}

func mergeString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func mergeInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func mergeList(base, overlay []string) []string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(base)+len(overlay))
	var result []string
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	for _, v := range overlay {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
