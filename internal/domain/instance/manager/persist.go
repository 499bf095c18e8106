// SPDX-License-Identifier: MIT

package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/fsutil"
)

const registryFilename = "instances.json"

// registryFile is the on-disk shape of the instance registry. Only the
// descriptors are persisted; runtime state is rebuilt on restore.
type registryFile struct {
	Version   int                    `json:"version"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Instances []model.InstanceRecord `json:"instances"`
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.cfg.DataDir, registryFilename)
}

// persist writes the current descriptors atomically and durably: fsync
// before rename, so a crash never leaves a torn registry.
func (m *Manager) persist() error {
	insts := m.all()
	recs := make([]model.InstanceRecord, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		recs = append(recs, inst.record)
		inst.mu.Unlock()
	}
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].CreatedAtUnix != recs[b].CreatedAtUnix {
			return recs[a].CreatedAtUnix < recs[b].CreatedAtUnix
		}
		return recs[a].ID < recs[b].ID
	})

	payload, err := json.MarshalIndent(registryFile{
		Version:   1,
		UpdatedAt: m.now().UTC(),
		Instances: recs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance registry: %w", err)
	}

	pending, err := renameio.NewPendingFile(m.registryPath(), renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending registry file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			m.logger.Debug().Err(err).Msg("cleanup pending registry file")
		}
	}()

	if _, err := pending.Write(payload); err != nil {
		return fmt.Errorf("write instance registry: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace instance registry: %w", err)
	}
	return nil
}

// loadRecords reads the persisted descriptors. A missing file is an empty
// fleet, not an error.
func (m *Manager) loadRecords() ([]model.InstanceRecord, error) {
	path := m.registryPath()
	if err := fsutil.IsRegularFile(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		// Catches the bind-mount mistake where a missing host file gets
		// mounted as a directory.
		return nil, fmt.Errorf("instance registry %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instance registry: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode instance registry: %w", err)
	}
	records := make([]model.InstanceRecord, 0, len(file.Instances))
	for _, rec := range file.Instances {
		if model.SanitizeInstanceID(rec.ID) != rec.ID || rec.ID == "" {
			m.logger.Warn().Str("raw_id", rec.ID).Msg("skipping registry entry with unusable id")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
