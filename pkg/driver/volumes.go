package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const volumeLabelsFile = ".shipyard-labels.json"

// localVolumes manages workspace volumes as plain directories under a base
// path. Labels are kept in a metadata file inside the directory so the
// orphan sweep can attribute a directory to its workspace.
type localVolumes struct {
	basePath string
}

func newLocalVolumes(basePath string) (*localVolumes, error) {
	if basePath == "" {
		basePath = "/var/lib/shipyard/volumes"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}
	return &localVolumes{basePath: basePath}, nil
}

func (v *localVolumes) path(name string) string {
	return filepath.Join(v.basePath, name)
}

func (v *localVolumes) create(name string, labels map[string]string) (string, error) {
	dir := v.path(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory: %w", err)
	}
	if len(labels) > 0 {
		data, err := json.Marshal(labels)
		if err != nil {
			return "", fmt.Errorf("failed to marshal volume labels: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, volumeLabelsFile), data, 0644); err != nil {
			return "", fmt.Errorf("failed to write volume labels: %w", err)
		}
	}
	return name, nil
}

func (v *localVolumes) delete(name string) error {
	dir := v.path(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

func (v *localVolumes) exists(name string) (bool, error) {
	if _, err := os.Stat(v.path(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// listManaged walks the base directory and returns every volume whose label
// file marks it managed. Directories without a readable label file are
// skipped; they were not created by us.
func (v *localVolumes) listManaged() ([]*VolumeInfo, error) {
	entries, err := os.ReadDir(v.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read volumes directory: %w", err)
	}
	out := make([]*VolumeInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.path(e.Name()), volumeLabelsFile))
		if err != nil {
			continue
		}
		var labels map[string]string
		if err := json.Unmarshal(data, &labels); err != nil {
			continue
		}
		if labels[LabelManaged] != "true" {
			continue
		}
		out = append(out, &VolumeInfo{Name: e.Name(), Labels: labels})
	}
	return out, nil
}

// hostPath returns the mountable host path, failing if the volume is gone.
func (v *localVolumes) hostPath(name string) (string, error) {
	dir := v.path(name)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("volume directory does not exist: %s", dir)
	}
	return dir, nil
}
