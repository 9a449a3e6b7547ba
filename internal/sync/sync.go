// Package sync seeds system-owned assistants from a YAML manifest at startup.
// The manifest is the deploy-time catalogue: entries are upserted under the
// "system" owner so every tenant can read and run them, and a drifted entry is
// patched in place rather than recreated so assistant versions stay meaningful.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
)

// Manifest is the on-disk catalogue of assistants to sync.
type Manifest struct {
	Assistants []ManifestAssistant `yaml:"assistants"`
}

// ManifestAssistant is one manifest entry. AssistantID doubles as the upsert
// key, so it must stay stable across deploys.
type ManifestAssistant struct {
	AssistantID string                 `yaml:"assistant_id"`
	GraphID     string                 `yaml:"graph_id"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Config      map[string]interface{} `yaml:"config"`
	Context     map[string]interface{} `yaml:"context"`
	Metadata    map[string]interface{} `yaml:"metadata"`
}

// LoadManifest reads and parses the manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading assistant manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing assistant manifest: %w", err)
	}
	return &m, nil
}

// Stats summarises one sync pass.
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

// Syncer upserts manifest assistants through the assistant service so the
// usual validation, ownership, and version rules apply.
type Syncer struct {
	assistants *service.AssistantService
	logger     *logger.Logger
}

// New creates a manifest syncer.
func New(assistants *service.AssistantService, log *logger.Logger) *Syncer {
	return &Syncer{
		assistants: assistants,
		logger:     log.WithFields(zap.String("component", "assistant-sync")),
	}
}

// Run loads the manifest and upserts its assistants for the configured scope.
// A disabled scope is a no-op. Entries that fail individually are logged and
// counted, not fatal, so one bad entry cannot block the rest of the catalogue.
func (s *Syncer) Run(ctx context.Context, manifestPath string, scope config.SyncScope) (Stats, error) {
	var stats Stats
	if !scope.Enabled() {
		return stats, nil
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		return stats, err
	}

	for _, entry := range m.Assistants {
		if entry.AssistantID == "" || entry.GraphID == "" {
			s.logger.Warn("skipping manifest entry without assistant_id or graph_id",
				zap.String("assistant_id", entry.AssistantID),
				zap.String("graph_id", entry.GraphID))
			stats.Failed++
			continue
		}
		for _, t := range targetsFor(entry, scope) {
			action, err := s.upsert(ctx, t)
			if err != nil {
				s.logger.Warn("assistant sync entry failed",
					zap.String("assistant_id", t.id),
					zap.Error(err))
				stats.Failed++
				continue
			}
			switch action {
			case actionCreated:
				stats.Created++
				s.logger.Info("assistant created from manifest",
					zap.String("assistant_id", t.id),
					zap.String("graph_id", t.entry.GraphID),
					zap.String("organization_id", t.orgID))
			case actionUpdated:
				stats.Updated++
				s.logger.Info("assistant updated from manifest",
					zap.String("assistant_id", t.id),
					zap.String("graph_id", t.entry.GraphID))
			default:
				stats.Unchanged++
			}
		}
	}

	s.logger.Info("assistant sync finished",
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

const (
	actionCreated   = "created"
	actionUpdated   = "updated"
	actionUnchanged = "unchanged"
)

// target is one concrete upsert: a manifest entry resolved against a single
// scope slot (the global catalogue, or one organisation).
type target struct {
	entry ManifestAssistant
	id    string
	orgID string
	meta  map[string]interface{}
}

// targetsFor fans an entry out across the scope. Under "all" the entry syncs
// once under its manifest id. Under an org list each organisation gets its own
// copy keyed by a deterministic UUID so re-runs land on the same record, with
// the organisation stamped into metadata for search.
func targetsFor(entry ManifestAssistant, scope config.SyncScope) []target {
	if scope.All {
		return []target{{entry: entry, id: entry.AssistantID, meta: entry.Metadata}}
	}
	out := make([]target, 0, len(scope.OrgIDs))
	for _, org := range scope.OrgIDs {
		meta := make(map[string]interface{}, len(entry.Metadata)+1)
		for k, v := range entry.Metadata {
			meta[k] = v
		}
		meta[models.MetadataOrganizationID] = org
		out = append(out, target{
			entry: entry,
			id:    orgAssistantID(entry.AssistantID, org),
			orgID: org,
			meta:  meta,
		})
	}
	return out
}

// orgAssistantID derives the per-organisation record id. SHA1-based UUIDs are
// stable for a given (entry, org) pair across restarts and hosts.
func orgAssistantID(base, orgID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(base+"/"+orgID)).String()
}

func (s *Syncer) upsert(ctx context.Context, t target) (string, error) {
	existing, err := s.assistants.Get(ctx, t.id, auth.SystemOwner)
	if errors.Is(err, service.ErrNotFound) {
		_, err := s.assistants.Create(ctx, auth.SystemOwner, &dto.AssistantCreate{
			AssistantID: t.id,
			GraphID:     t.entry.GraphID,
			Name:        t.entry.Name,
			Description: t.entry.Description,
			Config:      t.entry.Config,
			Context:     t.entry.Context,
			Metadata:    t.meta,
		})
		if err != nil {
			return "", err
		}
		return actionCreated, nil
	}
	if err != nil {
		return "", err
	}

	if !drifted(existing, t) {
		return actionUnchanged, nil
	}
	_, err = s.assistants.Patch(ctx, t.id, auth.SystemOwner, &dto.AssistantPatch{
		GraphID:     &t.entry.GraphID,
		Name:        &t.entry.Name,
		Description: &t.entry.Description,
		Config:      orEmpty(t.entry.Config),
		Context:     orEmpty(t.entry.Context),
		Metadata:    orEmpty(t.meta),
	})
	if err != nil {
		return "", err
	}
	return actionUpdated, nil
}

// drifted compares the stored record against the manifest through a JSON
// round-trip: YAML integers and database-decoded floats must not read as
// drift, or every boot would bump every assistant's version.
func drifted(existing *models.Assistant, t target) bool {
	desired := map[string]interface{}{
		"graph_id":    t.entry.GraphID,
		"name":        t.entry.Name,
		"description": t.entry.Description,
		"config":      orEmpty(t.entry.Config),
		"context":     orEmpty(t.entry.Context),
		"metadata":    models.WithOwner(t.meta, auth.SystemOwner),
	}
	current := map[string]interface{}{
		"graph_id":    existing.GraphID,
		"name":        existing.Name,
		"description": existing.Description,
		"config":      orEmpty(existing.Config),
		"context":     orEmpty(existing.Context),
		"metadata":    orEmpty(existing.Metadata),
	}
	return !jsonEqual(desired, current)
}

// orEmpty maps nil to an empty map so absent sections compare and patch
// uniformly.
func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func jsonEqual(a, b interface{}) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
