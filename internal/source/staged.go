package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/bianoble/cloudpush/internal/item"
)

// manifestNames are the files probed in each staged directory, in order.
var manifestNames = []string{"staged.yaml", "staged.yml", "staged.json"}

// manifest is the staged metadata file written by the build pipeline.
type manifest struct {
	Header  manifestHeader  `json:"header"`
	Payload manifestPayload `json:"payload"`
}

type manifestHeader struct {
	Version string `json:"version"`
}

type manifestPayload struct {
	Items []manifestItem `json:"items"`
}

// manifestItem is one artifact entry. Type decides the push item kind;
// entries that are not VM images are dropped with a warning.
type manifestItem struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	RelativePath string            `json:"relative_path"`
	Description  string            `json:"description"`
	Build        string            `json:"build"`
	BuildInfo    manifestBuildInfo `json:"build_info"`
	Release      manifestRelease   `json:"release"`
	BootMode     string            `json:"boot_mode"`
	Origin       string            `json:"origin"`
	MD5Sum       string            `json:"md5sum"`
	SHA256Sum    string            `json:"sha256sum"`
	SigningKey   string            `json:"signing_key"`
}

type manifestBuildInfo struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Release string `json:"release"`
}

type manifestRelease struct {
	Product     string `json:"product"`
	Version     string `json:"version"`
	BaseProduct string `json:"base_product"`
	BaseVersion string `json:"base_version"`
	Arch        string `json:"arch"`
	Variant     string `json:"variant"`
	Respin      int    `json:"respin"`
	Date        string `json:"date"`
	Type        string `json:"type"`
}

// StagedSource loads push items from staged directory trees prepared by
// the build pipeline. The URL names one or more directories separated by
// commas, e.g. staged:/mnt/staged/sample-9.4; each directory carries a
// staged.yaml or staged.json manifest describing the images inside.
type StagedSource struct {
	Logger *slog.Logger
}

func (s *StagedSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *StagedSource) Open(ctx context.Context, srcURL string) ([]item.PushItem, error) {
	target := strings.TrimPrefix(srcURL, "staged:")
	if target == "" {
		return nil, &SourceError{Source: srcURL, Operation: "open", Err: fmt.Errorf("no staged directory given")}
	}

	var items []item.PushItem
	for _, dir := range strings.Split(target, ",") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := s.loadDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		items = append(items, loaded...)
	}
	return items, nil
}

func (s *StagedSource) loadDir(ctx context.Context, dir string) ([]item.PushItem, error) {
	data, path, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &SourceError{
			Source:    dir,
			Operation: "parse",
			Err:       fmt.Errorf("invalid manifest %s: %v", filepath.Base(path), err),
		}
	}

	s.logger().DebugContext(ctx, "loaded staged manifest",
		"dir", dir, "version", m.Header.Version, "entries", len(m.Payload.Items))

	var items []item.PushItem
	for _, entry := range m.Payload.Items {
		pi, ok, err := buildItem(entry, func(rel string) string { return filepath.Join(dir, rel) })
		if err != nil {
			return nil, &SourceError{Source: dir, Operation: "parse", Err: err}
		}
		if !ok {
			s.logger().Warn("push item is not a VM image, dropping it from the queue",
				"name", entry.Name, "type", entry.Type)
			continue
		}
		items = append(items, pi)
	}
	return items, nil
}

func readManifest(dir string) ([]byte, string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", &SourceError{
			Source:    dir,
			Operation: "open",
			Err:       err,
			Hint:      "check that the staged directory exists",
		}
	}
	if !info.IsDir() {
		return nil, "", &SourceError{Source: dir, Operation: "open", Err: fmt.Errorf("'%s' is not a directory", dir)}
	}
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", &SourceError{Source: dir, Operation: "open", Err: err}
		}
	}
	return nil, "", &SourceError{
		Source:    dir,
		Operation: "open",
		Err:       fmt.Errorf("no staged metadata found"),
		Hint:      fmt.Sprintf("expected one of %v in the directory", manifestNames),
	}
}

// buildItem turns a manifest entry into a push item. The second return
// is false for entries that are not VM images.
func buildItem(entry manifestItem, resolve func(rel string) string) (item.PushItem, bool, error) {
	var kind item.Kind
	switch strings.ToLower(entry.Type) {
	case "ami", "aws":
		kind = item.KindAMI
	case "vhd", "azure":
		kind = item.KindVHD
	default:
		return item.PushItem{}, false, nil
	}

	if entry.Name == "" {
		return item.PushItem{}, false, fmt.Errorf("manifest entry has no name")
	}
	src := entry.RelativePath
	if src == "" {
		return item.PushItem{}, false, fmt.Errorf("manifest entry %s has no relative_path", entry.Name)
	}
	if !strings.HasPrefix(src, "ami-") && !strings.HasPrefix(src, "https://") {
		src = resolve(src)
	}

	var date time.Time
	if entry.Release.Date != "" {
		var err error
		date, err = time.Parse("2006-01-02", entry.Release.Date)
		if err != nil {
			return item.PushItem{}, false, fmt.Errorf("manifest entry %s: invalid release date '%s' — expected YYYY-MM-DD", entry.Name, entry.Release.Date)
		}
	}

	pi := item.PushItem{
		Name:        entry.Name,
		Kind:        kind,
		Description: entry.Description,
		Src:         src,
		Build:       entry.Build,
		BuildInfo: item.BuildInfo{
			ID:      entry.BuildInfo.ID,
			Name:    entry.BuildInfo.Name,
			Version: entry.BuildInfo.Version,
			Release: entry.BuildInfo.Release,
		},
		Origin:     entry.Origin,
		MD5Sum:     entry.MD5Sum,
		SHA256Sum:  entry.SHA256Sum,
		SigningKey: entry.SigningKey,
		BootMode:   entry.BootMode,
		Release: item.Release{
			Product:     entry.Release.Product,
			Version:     entry.Release.Version,
			BaseProduct: entry.Release.BaseProduct,
			BaseVersion: entry.Release.BaseVersion,
			Arch:        entry.Release.Arch,
			Variant:     entry.Release.Variant,
			Respin:      entry.Release.Respin,
			Date:        date,
			Type:        entry.Release.Type,
		},
		State: item.StatePending,
	}

	// Build info falls back to the NVR string when the manifest omits it.
	if pi.BuildInfo.Name == "" && pi.Build != "" {
		parts := strings.Split(pi.Build, "-")
		if len(parts) >= 3 {
			pi.BuildInfo.Name = strings.Join(parts[:len(parts)-2], "-")
			pi.BuildInfo.Version = parts[len(parts)-2]
			pi.BuildInfo.Release = parts[len(parts)-1]
		}
	}
	return pi, true, nil
}
