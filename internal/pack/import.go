package pack

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/storage"
)

// ImportStore is the relational side of an import.
type ImportStore interface {
	GetProfile(ctx context.Context, id string) (model.Profile, error)
	CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error)
	UpdateProfile(ctx context.Context, id string, upd model.UpdateProfileRequest) (model.Profile, error)
	GetPrompt(ctx context.Context, name string) (model.Prompt, error)
	SavePrompt(ctx context.Context, name, content string, encrypted bool, editedBy uuid.UUID) (model.Prompt, error)
	SetMapping(ctx context.Context, m model.PromptMapping) (model.PromptMapping, error)
	CreateCollection(ctx context.Context, c model.Collection) (model.Collection, error)
	ListAccessibleCollections(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Collection, error)
	EnqueueOutbox(ctx context.Context, e storage.OutboxEntry) (storage.OutboxEntry, error)
	RecordPackResources(ctx context.Context, resources []model.PackResource) error
}

// maxPackSize bounds the ZIP we are willing to parse.
const maxPackSize = 64 << 20

// Importer materializes pack contents into a deployment.
type Importer struct {
	store  ImportStore
	logger *slog.Logger
}

// NewImporter builds an importer.
func NewImporter(store ImportStore, logger *slog.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// ImportOptions control one import run.
type ImportOptions struct {
	ImportedBy uuid.UUID
	Strategy   ConflictStrategy
}

// Import reads a pack ZIP and materializes its profiles, prompts, mappings,
// collections, and documents. Embedded IDs are always remapped: collections
// get fresh row IDs, documents get fresh UUIDs, and name collisions follow
// the conflict strategy. Every created resource lands in the pack-resource
// junction table under a fresh pack ID.
func (im *Importer) Import(ctx context.Context, r io.ReaderAt, size int64, opts ImportOptions) (model.ImportPackResponse, error) {
	var resp model.ImportPackResponse

	if err := opts.Strategy.Validate(); err != nil {
		return resp, err
	}
	if opts.Strategy == "" {
		opts.Strategy = ConflictSkip
	}
	if size > maxPackSize {
		return resp, fmt.Errorf("pack: archive exceeds %d bytes", int64(maxPackSize))
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return resp, fmt.Errorf("pack: open archive: %w", err)
	}

	var manifest Manifest
	if err := readJSONEntry(zr, ManifestFile, &manifest); err != nil {
		return resp, err
	}
	if err := manifest.Validate(); err != nil {
		return resp, err
	}

	var meta CollectionMetadata
	if err := readJSONEntry(zr, CollectionMetadataFile, &meta); err != nil && !errors.Is(err, errEntryMissing) {
		return resp, err
	}
	var docs Documents
	if err := readJSONEntry(zr, DocumentsFile, &docs); err != nil && !errors.Is(err, errEntryMissing) {
		return resp, err
	}

	packID := uuid.New()
	resp.PackID = packID
	resp.Renamed = make(map[string]string)
	suffix := packID.String()[:8]
	var resources []model.PackResource

	createdProfiles, linkedProfiles, err := im.importProfiles(ctx, manifest.Profiles, opts, suffix, &resp, &resources, packID)
	if err != nil {
		return resp, err
	}
	promptNames, err := im.importPrompts(ctx, manifest.Prompts, opts, suffix, &resp, &resources, packID)
	if err != nil {
		return resp, err
	}
	if err := im.importMappings(ctx, manifest.Mappings, createdProfiles, promptNames); err != nil {
		return resp, err
	}
	collIDs, err := im.importCollections(ctx, meta.Collections, linkedProfiles, opts, &resp, &resources, packID)
	if err != nil {
		return resp, err
	}
	indexed, err := im.importDocuments(ctx, docs.Documents, collIDs, opts)
	if err != nil {
		return resp, err
	}

	if len(resources) > 0 {
		if err := im.store.RecordPackResources(ctx, resources); err != nil {
			return resp, fmt.Errorf("pack: record resources: %w", err)
		}
	}

	im.logger.Info("pack imported",
		"pack_id", packID,
		"strategy", string(opts.Strategy),
		"profiles", len(resp.Profiles),
		"prompts", len(resp.Prompts),
		"collections", len(resp.Collections),
		"documents_enqueued", indexed,
		"skipped", len(resp.Skipped))
	return resp, nil
}

// importProfiles creates pack profiles parents-first. It returns two maps
// from pack profile ID to deployment ID: created holds profiles this import
// wrote (safe to attach mappings to), linked additionally holds profiles
// that were skipped because they already exist, so children and collections
// can still reference them.
func (im *Importer) importProfiles(ctx context.Context, defs []ProfileDef, opts ImportOptions, suffix string, resp *model.ImportPackResponse, resources *[]model.PackResource, packID uuid.UUID) (created, linked map[string]string, err error) {
	created = make(map[string]string, len(defs))
	linked = make(map[string]string, len(defs))

	ordered := orderParentsFirst(defs)
	for _, def := range ordered {
		finalID := def.ID
		_, err := im.store.GetProfile(ctx, def.ID)
		switch {
		case err == nil:
			switch opts.Strategy {
			case ConflictSkip:
				// The existing profile stays untouched, but remains a valid
				// link target for pack children and collections.
				linked[def.ID] = def.ID
				resp.Skipped = append(resp.Skipped, "profile:"+def.ID)
				continue
			case ConflictOverwrite:
				upd := model.UpdateProfileRequest{
					Name:     &def.Name,
					Provider: &def.Provider,
					Model:    &def.Model,
					Settings: def.Settings,
				}
				if _, err := im.store.UpdateProfile(ctx, def.ID, upd); err != nil {
					return nil, nil, fmt.Errorf("pack: overwrite profile %q: %w", def.ID, err)
				}
				created[def.ID] = def.ID
				linked[def.ID] = def.ID
				resp.Profiles = append(resp.Profiles, def.ID)
				continue
			case ConflictRename:
				finalID = def.ID + "-" + suffix
				resp.Renamed["profile:"+def.ID] = finalID
			}
		case errors.Is(err, storage.ErrNotFound):
			// Free slug; create as named.
		default:
			return nil, nil, fmt.Errorf("pack: check profile %q: %w", def.ID, err)
		}

		var parentID *string
		if def.ParentID != nil {
			mapped, ok := linked[*def.ParentID]
			if !ok {
				return nil, nil, fmt.Errorf("pack: profile %q imported before its parent %q", def.ID, *def.ParentID)
			}
			parentID = &mapped
		}

		row, err := im.store.CreateProfile(ctx, model.Profile{
			ID:       finalID,
			OwnerID:  opts.ImportedBy,
			Name:     def.Name,
			Kind:     model.ProfileKind(def.Kind),
			Provider: def.Provider,
			Model:    def.Model,
			ParentID: parentID,
			Settings: def.Settings,
			IsActive: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("pack: create profile %q: %w", finalID, err)
		}
		created[def.ID] = row.ID
		linked[def.ID] = row.ID
		resp.Profiles = append(resp.Profiles, row.ID)
		*resources = append(*resources, model.PackResource{
			PackID:       packID,
			ResourceType: "profile",
			ResourceID:   row.ID,
			OriginalID:   def.ID,
			ImportedBy:   opts.ImportedBy,
		})
	}
	return created, linked, nil
}

func (im *Importer) importPrompts(ctx context.Context, defs []PromptDef, opts ImportOptions, suffix string, resp *model.ImportPackResponse, resources *[]model.PackResource, packID uuid.UUID) (map[string]string, error) {
	nameMap := make(map[string]string, len(defs))

	for _, def := range defs {
		finalName := def.Name
		_, err := im.store.GetPrompt(ctx, def.Name)
		switch {
		case err == nil:
			switch opts.Strategy {
			case ConflictSkip:
				nameMap[def.Name] = def.Name
				resp.Skipped = append(resp.Skipped, "prompt:"+def.Name)
				continue
			case ConflictOverwrite:
				// SavePrompt bumps the version; history is preserved.
			case ConflictRename:
				finalName = def.Name + "_" + suffix
				resp.Renamed["prompt:"+def.Name] = finalName
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("pack: check prompt %q: %w", def.Name, err)
		}

		if _, err := im.store.SavePrompt(ctx, finalName, def.Content, false, opts.ImportedBy); err != nil {
			return nil, fmt.Errorf("pack: save prompt %q: %w", finalName, err)
		}
		nameMap[def.Name] = finalName
		resp.Prompts = append(resp.Prompts, finalName)
		*resources = append(*resources, model.PackResource{
			PackID:       packID,
			ResourceType: "prompt",
			ResourceID:   finalName,
			OriginalID:   def.Name,
			ImportedBy:   opts.ImportedBy,
		})
	}
	return nameMap, nil
}

func (im *Importer) importMappings(ctx context.Context, defs []MappingDef, profileIDs, promptNames map[string]string) error {
	for _, def := range defs {
		profileID, ok := profileIDs[def.ProfileID]
		if !ok {
			continue
		}
		promptName, ok := promptNames[def.PromptName]
		if !ok {
			continue
		}
		_, err := im.store.SetMapping(ctx, model.PromptMapping{
			ProfileID:   profileID,
			Category:    def.Category,
			Subcategory: def.Subcategory,
			PromptName:  promptName,
		})
		if err != nil {
			return fmt.Errorf("pack: set mapping %s/%s for %q: %w", def.Category, def.Subcategory, profileID, err)
		}
	}
	return nil
}

func (im *Importer) importCollections(ctx context.Context, defs []CollectionDef, profileIDs map[string]string, opts ImportOptions, resp *model.ImportPackResponse, resources *[]model.PackResource, packID uuid.UUID) (map[int64]int64, error) {
	idMap := make(map[int64]int64, len(defs))
	if len(defs) == 0 {
		return idMap, nil
	}

	existing, err := im.existingCollectionNames(ctx, opts.ImportedBy)
	if err != nil {
		return nil, err
	}

	for _, def := range defs {
		name := def.Name
		if prior, taken := existing[name]; taken {
			switch opts.Strategy {
			case ConflictSkip:
				resp.Skipped = append(resp.Skipped, "collection:"+name)
				continue
			case ConflictOverwrite:
				// Reuse the existing collection; documents are merged in.
				idMap[def.OriginalID] = prior
				resp.Collections = append(resp.Collections, prior)
				continue
			case ConflictRename:
				name = fmt.Sprintf("%s (imported %s)", name, packID.String()[:8])
				resp.Renamed["collection:"+def.Name] = name
			}
		}

		var profileID *string
		if def.ProfileID != nil {
			if mapped, ok := profileIDs[*def.ProfileID]; ok {
				profileID = &mapped
			}
		}
		visibility := model.CollectionVisibility(def.Visibility)
		if visibility == "" {
			visibility = model.VisibilityPrivate
		}

		created, err := im.store.CreateCollection(ctx, model.Collection{
			Name:        name,
			Description: def.Description,
			OwnerID:     opts.ImportedBy,
			ProfileID:   profileID,
			Visibility:  visibility,
			IsActive:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("pack: create collection %q: %w", name, err)
		}
		idMap[def.OriginalID] = created.ID
		existing[name] = created.ID
		resp.Collections = append(resp.Collections, created.ID)
		*resources = append(*resources, model.PackResource{
			PackID:       packID,
			ResourceType: "collection",
			ResourceID:   fmt.Sprintf("%d", created.ID),
			OriginalID:   fmt.Sprintf("%d", def.OriginalID),
			ImportedBy:   opts.ImportedBy,
		})
	}
	return idMap, nil
}

// importDocuments enqueues every remappable document for async indexing and
// returns the count enqueued. Documents referencing a collection that was
// skipped are dropped.
func (im *Importer) importDocuments(ctx context.Context, defs []DocumentDef, collIDs map[int64]int64, opts ImportOptions) (int, error) {
	indexed := 0
	for _, def := range defs {
		collID, ok := collIDs[def.CollectionID]
		if !ok {
			continue
		}
		c := model.RAGCase{
			ID:           uuid.New(),
			CollectionID: collID,
			UserID:       opts.ImportedBy,
			Question:     def.Question,
			Answer:       def.Answer,
			Tool:         def.Tool,
			Quality:      def.Quality,
			Metadata:     def.Metadata,
			CreatedAt:    time.Now().UTC(),
		}
		_, err := im.store.EnqueueOutbox(ctx, storage.OutboxEntry{
			CaseID:       c.ID,
			CollectionID: collID,
			Operation:    storage.OutboxOpIndex,
			Payload:      rag.OutboxPayload(c),
		})
		if err != nil {
			return indexed, fmt.Errorf("pack: enqueue document for collection %d: %w", collID, err)
		}
		indexed++
	}
	return indexed, nil
}

func (im *Importer) existingCollectionNames(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	names := make(map[string]int64)
	for offset := 0; ; offset += 200 {
		page, err := im.store.ListAccessibleCollections(ctx, userID, 200, offset)
		if err != nil {
			return nil, fmt.Errorf("pack: list collections: %w", err)
		}
		for _, c := range page {
			if c.OwnerID == userID {
				names[c.Name] = c.ID
			}
		}
		if len(page) < 200 {
			return names, nil
		}
	}
}

// orderParentsFirst sorts profile defs so every parent precedes its
// children. Manifest validation already guarantees parents exist in the
// pack, so this always terminates.
func orderParentsFirst(defs []ProfileDef) []ProfileDef {
	placed := make(map[string]bool, len(defs))
	out := make([]ProfileDef, 0, len(defs))
	remaining := append([]ProfileDef(nil), defs...)
	for len(remaining) > 0 {
		var next []ProfileDef
		progressed := false
		for _, def := range remaining {
			if def.ParentID == nil || placed[*def.ParentID] {
				out = append(out, def)
				placed[def.ID] = true
				progressed = true
			} else {
				next = append(next, def)
			}
		}
		if !progressed {
			// Parent cycle; append the rest as-is and let creation fail.
			out = append(out, next...)
			break
		}
		remaining = next
	}
	return out
}

var errEntryMissing = errors.New("pack: entry missing")

func readJSONEntry(zr *zip.Reader, name string, v any) error {
	f, err := zr.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", errEntryMissing, name)
	}
	if err != nil {
		return fmt.Errorf("pack: open %s: %w", name, err)
	}
	defer f.Close()

	dec := json.NewDecoder(io.LimitReader(f, maxPackSize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("pack: decode %s: %w", name, err)
	}
	return nil
}
