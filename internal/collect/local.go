package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bianoble/cloudpush/internal/item"
)

// itemsArtifact accumulates the item states of a run, one JSON object
// per line.
const itemsArtifact = "pushitems.jsonl"

// LocalCollector stores run artifacts under a local output directory,
// one subdirectory per run id. It is the sink used when no external
// collector is wired in.
type LocalCollector struct {
	// Dir is the output directory. Required.
	Dir string

	// RunID names the subdirectory of Dir this run writes to. Empty
	// means writing directly under Dir.
	RunID string

	Logger *slog.Logger

	mu    sync.Mutex
	items []pushItemRecord
}

// NewLocalCollector returns a collector writing under dir with a fresh
// run id.
func NewLocalCollector(dir string) *LocalCollector {
	return &LocalCollector{Dir: dir, RunID: uuid.NewString()}
}

func (c *LocalCollector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type pushItemRecord struct {
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Build   string   `json:"build,omitempty"`
	ImageID string   `json:"image_id,omitempty"`
	Dest    []string `json:"dest,omitempty"`
}

// UpdatePushItems appends the items to the run's pushitems.jsonl. The
// whole file is rewritten atomically on every update so a crashed run
// never leaves a half line behind.
func (c *LocalCollector) UpdatePushItems(ctx context.Context, items []item.PushItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pi := range items {
		rec := pushItemRecord{
			Name:    pi.Name,
			State:   string(pi.State),
			Build:   pi.Build,
			ImageID: pi.ImageID,
		}
		for _, dst := range pi.Destinations {
			rec.Dest = append(rec.Dest, dst.Destination)
		}
		c.items = append(c.items, rec)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range c.items {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding push item record: %w", err)
		}
	}
	return c.write(ctx, itemsArtifact, buf.Bytes())
}

// AttachFile stores content under the run directory.
func (c *LocalCollector) AttachFile(ctx context.Context, name string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, name, content)
}

func (c *LocalCollector) write(ctx context.Context, name string, content []byte) error {
	if c.Dir == "" {
		return fmt.Errorf("collector output directory is not configured")
	}
	root := c.Dir
	if c.RunID != "" {
		root = filepath.Join(c.Dir, c.RunID)
	}

	resolved, err := containedPath(root, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	// Write to a temp file in the same directory so the rename stays on
	// one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".cloudpush-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("writing artifact %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing artifact %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, resolved); err != nil {
		return fmt.Errorf("storing artifact %s: %w", name, err)
	}
	success = true

	c.logger().DebugContext(ctx, "stored artifact", "artifact", name, "path", resolved, "bytes", len(content))
	return nil
}

// containedPath joins name under root and rejects names that would
// escape it. The trailing separator on the prefix check keeps a sibling
// like "outdir2" from passing for "outdir".
func containedPath(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving artifact root: %w", err)
	}
	joined := filepath.Clean(filepath.Join(absRoot, name))
	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact name '%s' escapes the output directory '%s'", name, absRoot)
	}
	return joined, nil
}
