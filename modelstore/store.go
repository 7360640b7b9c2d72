// Package modelstore persists model checkpoints under a versioned directory
// layout, `{root}/{model_type}_{owner_id}/{version_id}/{model.json,info.json}`,
// and enforces a per-namespace retention limit.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// ErrModelNotFound is returned when no checkpoint exists for the requested
// owner, family, or version.
var ErrModelNotFound = errors.New("model not found")

// Info is the flat metadata blob saved alongside the weights. The store adds
// "version" and "timestamp" keys on save.
type Info map[string]interface{}

// ArtifactUploader mirrors saved checkpoint files into object storage.
// Upload failures are logged and never fail the save.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, localPath, objectName string) error
}

// Store is the checkpoint store for both model families.
type Store struct {
	root        string
	maxVersions int
	uploader    ArtifactUploader

	mu          sync.Mutex
	lastVersion map[string]string
}

type checkpointFile struct {
	Family    nn.Family         `json:"family"`
	Config    nn.ModelConfig    `json:"config"`
	Weights   []nn.WeightTensor `json:"weights"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
}

// New creates a store rooted at dir, retaining at most maxVersions
// checkpoints per (family, owner) namespace.
func New(dir string, maxVersions int) (*Store, error) {
	if maxVersions <= 0 {
		maxVersions = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &Store{root: dir, maxVersions: maxVersions, lastVersion: make(map[string]string)}, nil
}

// WithUploader attaches an optional artifact uploader for mirroring saves.
func (s *Store) WithUploader(u ArtifactUploader) *Store {
	s.uploader = u
	return s
}

// Save writes a new checkpoint version and returns its version ID. Older
// versions beyond the retention limit are removed; cleanup errors are logged
// and do not fail the save.
func (s *Store) Save(model nn.Model, info Info, ownerID int64, family nn.Family) (string, error) {
	now := time.Now().UTC()
	ns := s.namespace(family, ownerID)
	versionID := s.nextVersionID(ns, now)

	dir := filepath.Join(s.root, ns, versionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create version dir: %w", err)
	}

	ckpt := checkpointFile{
		Family:    family,
		Config:    model.Config(),
		Weights:   model.StateDict(),
		Version:   versionID,
		Timestamp: now,
	}
	modelPath := filepath.Join(dir, "model.json")
	if err := writeJSON(modelPath, ckpt); err != nil {
		return "", fmt.Errorf("write model checkpoint: %w", err)
	}

	full := Info{}
	for k, v := range info {
		full[k] = v
	}
	full["version"] = versionID
	full["timestamp"] = now.Format(time.RFC3339)
	infoPath := filepath.Join(dir, "info.json")
	if err := writeJSON(infoPath, full); err != nil {
		return "", fmt.Errorf("write model info: %w", err)
	}

	s.cleanupOldVersions(family, ownerID, versionID)
	s.mirror(modelPath, infoPath, ns, versionID)

	return versionID, nil
}

// Load reads a checkpoint and reconstructs the model from its saved config
// and weights. An empty versionID loads the latest version.
func (s *Store) Load(ownerID int64, family nn.Family, versionID string) (nn.Model, Info, error) {
	dir, err := s.versionPath(family, ownerID, versionID)
	if err != nil {
		return nil, nil, err
	}

	var ckpt checkpointFile
	if err := readJSON(filepath.Join(dir, "model.json"), &ckpt); err != nil {
		return nil, nil, fmt.Errorf("read model checkpoint: %w", err)
	}
	model, err := nn.New(ckpt.Family, ckpt.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := model.LoadStateDict(ckpt.Weights); err != nil {
		return nil, nil, fmt.Errorf("load state dict: %w", err)
	}

	var info Info
	if err := readJSON(filepath.Join(dir, "info.json"), &info); err != nil {
		return nil, nil, fmt.Errorf("read model info: %w", err)
	}
	return model, info, nil
}

// GetInfo returns the metadata of a version without loading weights, or nil
// when the version does not exist.
func (s *Store) GetInfo(ownerID int64, family nn.Family, versionID string) Info {
	dir, err := s.versionPath(family, ownerID, versionID)
	if err != nil {
		return nil
	}
	var info Info
	if err := readJSON(filepath.Join(dir, "info.json"), &info); err != nil {
		return nil
	}
	return info
}

// ListVersions returns the info blobs of all versions, newest first.
func (s *Store) ListVersions(ownerID int64, family nn.Family) []Info {
	versions := s.sortedVersions(family, ownerID)
	infos := make([]Info, 0, len(versions))
	for _, v := range versions {
		var info Info
		path := filepath.Join(s.root, s.namespace(family, ownerID), v, "info.json")
		if err := readJSON(path, &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// DeleteVersion removes one version directory, reporting whether it existed.
func (s *Store) DeleteVersion(ownerID int64, family nn.Family, versionID string) bool {
	dir := filepath.Join(s.root, s.namespace(family, ownerID), versionID)
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Errorf("delete version %s/%s: %v", s.namespace(family, ownerID), versionID, err)
		return false
	}
	return true
}

// ModelPath returns the directory a family/owner's checkpoints live under.
func (s *Store) ModelPath(ownerID int64, family nn.Family) string {
	return filepath.Join(s.root, s.namespace(family, ownerID))
}

func (s *Store) namespace(family nn.Family, ownerID int64) string {
	return fmt.Sprintf("%s_%d", family, ownerID)
}

// nextVersionID allocates a version ID that sorts lexically after every ID
// this store has handed out for the namespace and after anything already on
// disk. Retention keeps the lexically greatest IDs, so a newly written
// version must never sort below an existing one, even within the same second
// and even when an earlier same-second version has already been reclaimed.
func (s *Store) nextVersionID(ns string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := now.Format("20060102_150405")
	if last := s.lastVersion[ns]; last >= id {
		id = bumpVersion(last)
	}
	for {
		if _, err := os.Stat(filepath.Join(s.root, ns, id)); os.IsNotExist(err) {
			break
		}
		id = bumpVersion(id)
	}
	s.lastVersion[ns] = id
	return id
}

// bumpVersion appends or increments the same-second suffix. The zero-padded
// width keeps suffixed IDs in save order under a plain string sort.
func bumpVersion(id string) string {
	base := len("20060102_150405")
	if len(id) <= base {
		return id + "_001"
	}
	n, err := strconv.Atoi(id[base+1:])
	if err != nil {
		return id + "_001"
	}
	return fmt.Sprintf("%s_%03d", id[:base], n+1)
}

func (s *Store) versionPath(family nn.Family, ownerID int64, versionID string) (string, error) {
	ns := filepath.Join(s.root, s.namespace(family, ownerID))
	if _, err := os.Stat(ns); err != nil {
		return "", fmt.Errorf("%w: %s_%d", ErrModelNotFound, family, ownerID)
	}
	if versionID != "" {
		dir := filepath.Join(ns, versionID)
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("%w: %s_%d version %s", ErrModelNotFound, family, ownerID, versionID)
		}
		return dir, nil
	}
	versions := s.sortedVersions(family, ownerID)
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s_%d has no versions", ErrModelNotFound, family, ownerID)
	}
	return filepath.Join(ns, versions[0]), nil
}

// sortedVersions lists version directory names, lexically newest first.
func (s *Store) sortedVersions(family nn.Family, ownerID int64) []string {
	entries, err := os.ReadDir(filepath.Join(s.root, s.namespace(family, ownerID)))
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

// cleanupOldVersions removes versions beyond the retention limit, oldest
// first. The version just written is never a cleanup candidate.
func (s *Store) cleanupOldVersions(family nn.Family, ownerID int64, justWritten string) {
	versions := s.sortedVersions(family, ownerID)
	if len(versions) <= s.maxVersions {
		return
	}
	for _, v := range versions[s.maxVersions:] {
		if v == justWritten {
			continue
		}
		dir := filepath.Join(s.root, s.namespace(family, ownerID), v)
		if err := os.RemoveAll(dir); err != nil {
			logger.Errorf("cleanup old version %s: %v", dir, err)
		}
	}
}

func (s *Store) mirror(modelPath, infoPath, ns, versionID string) {
	if s.uploader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, path := range []string{modelPath, infoPath} {
		object := fmt.Sprintf("%s/%s/%s", ns, versionID, filepath.Base(path))
		if err := s.uploader.UploadArtifact(ctx, path, object); err != nil {
			logger.Errorf("mirror checkpoint artifact %s: %v", object, err)
		}
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
