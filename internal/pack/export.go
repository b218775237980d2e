package pack

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
)

// ExportStore is the relational side of an export.
type ExportStore interface {
	GetProfile(ctx context.Context, id string) (model.Profile, error)
	ListChildProfiles(ctx context.Context, parentID string) ([]model.Profile, error)
	GetProfileRelationships(ctx context.Context, id string) (model.ProfileRelationships, error)
	ListMappings(ctx context.Context, profileID string) ([]model.PromptMapping, error)
	GetPrompt(ctx context.Context, name string) (model.Prompt, error)
	GetCollection(ctx context.Context, id int64) (model.Collection, error)
}

// CaseSource supplies collection documents, normally backed by the vector
// store.
type CaseSource interface {
	ListByCollection(ctx context.Context, collectionID int64, limit int) ([]model.RAGCase, error)
}

// PromptDecrypter turns stored encrypted prompt bodies back into cleartext
// for bundling. Packs never carry ciphertext.
type PromptDecrypter interface {
	Decrypt(token string) (string, error)
}

// maxExportDocs caps documents exported per collection.
const maxExportDocs = 5000

// Exporter builds pack ZIPs.
type Exporter struct {
	store   ExportStore
	cases   CaseSource
	decrypt PromptDecrypter
	logger  *slog.Logger
}

// NewExporter builds an exporter. cases and decrypt may be nil; collections
// then export without documents and encrypted prompts are skipped.
func NewExporter(store ExportStore, cases CaseSource, decrypt PromptDecrypter, logger *slog.Logger) *Exporter {
	return &Exporter{store: store, cases: cases, decrypt: decrypt, logger: logger}
}

// ExportRequest names what goes into the pack.
type ExportRequest struct {
	Name        string
	Description string
	ProfileIDs  []string
}

// Export writes a pack ZIP for the given profiles: each profile, its child
// profiles, every prompt its mappings reference, and the collections (plus
// documents) attached to it.
func (e *Exporter) Export(ctx context.Context, w io.Writer, req ExportRequest) error {
	if req.Name == "" {
		return fmt.Errorf("pack: export needs a name")
	}
	if len(req.ProfileIDs) == 0 {
		return fmt.Errorf("pack: export needs at least one profile")
	}

	manifest := Manifest{
		FormatVersion: FormatVersion,
		PackID:        uuid.New(),
		Name:          req.Name,
		Description:   req.Description,
		CreatedAt:     time.Now().UTC(),
	}
	var meta CollectionMetadata
	var docs Documents

	seenProfiles := make(map[string]bool)
	seenPrompts := make(map[string]bool)
	queue := append([]string(nil), req.ProfileIDs...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seenProfiles[id] {
			continue
		}
		seenProfiles[id] = true

		profile, err := e.store.GetProfile(ctx, id)
		if err != nil {
			return fmt.Errorf("pack: load profile %q: %w", id, err)
		}
		manifest.Profiles = append(manifest.Profiles, ProfileDef{
			ID:       profile.ID,
			Name:     profile.Name,
			Kind:     string(profile.Kind),
			Provider: profile.Provider,
			Model:    profile.Model,
			ParentID: profile.ParentID,
			Settings: profile.Settings,
		})

		children, err := e.store.ListChildProfiles(ctx, id)
		if err != nil {
			return fmt.Errorf("pack: list children of %q: %w", id, err)
		}
		for _, child := range children {
			queue = append(queue, child.ID)
		}

		if err := e.collectPrompts(ctx, &manifest, id, seenPrompts); err != nil {
			return err
		}
		if err := e.collectCollections(ctx, &meta, &docs, id); err != nil {
			return err
		}
	}

	zw := zip.NewWriter(w)
	if err := writeJSONEntry(zw, ManifestFile, manifest); err != nil {
		return err
	}
	if err := writeJSONEntry(zw, CollectionMetadataFile, meta); err != nil {
		return err
	}
	if err := writeJSONEntry(zw, DocumentsFile, docs); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("pack: finalize zip: %w", err)
	}

	e.logger.Info("pack exported",
		"pack_id", manifest.PackID,
		"profiles", len(manifest.Profiles),
		"prompts", len(manifest.Prompts),
		"collections", len(meta.Collections),
		"documents", len(docs.Documents))
	return nil
}

func (e *Exporter) collectPrompts(ctx context.Context, manifest *Manifest, profileID string, seen map[string]bool) error {
	mappings, err := e.store.ListMappings(ctx, profileID)
	if err != nil {
		return fmt.Errorf("pack: list mappings for %q: %w", profileID, err)
	}
	for _, m := range mappings {
		manifest.Mappings = append(manifest.Mappings, MappingDef{
			ProfileID:   m.ProfileID,
			Category:    m.Category,
			Subcategory: m.Subcategory,
			PromptName:  m.PromptName,
		})
		if seen[m.PromptName] {
			continue
		}
		seen[m.PromptName] = true

		prompt, err := e.store.GetPrompt(ctx, m.PromptName)
		if err != nil {
			return fmt.Errorf("pack: load prompt %q: %w", m.PromptName, err)
		}
		content := prompt.Content
		if prompt.Encrypted {
			if e.decrypt == nil {
				e.logger.Warn("pack: skipping encrypted prompt, no key loaded", "prompt", prompt.Name)
				continue
			}
			content, err = e.decrypt.Decrypt(prompt.Content)
			if err != nil {
				return fmt.Errorf("pack: decrypt prompt %q: %w", prompt.Name, err)
			}
		}
		manifest.Prompts = append(manifest.Prompts, PromptDef{Name: prompt.Name, Content: content})
	}
	return nil
}

func (e *Exporter) collectCollections(ctx context.Context, meta *CollectionMetadata, docs *Documents, profileID string) error {
	rel, err := e.store.GetProfileRelationships(ctx, profileID)
	if err != nil {
		return fmt.Errorf("pack: load relationships for %q: %w", profileID, err)
	}
	for _, collID := range rel.Collections {
		coll, err := e.store.GetCollection(ctx, collID)
		if err != nil {
			return fmt.Errorf("pack: load collection %d: %w", collID, err)
		}
		meta.Collections = append(meta.Collections, CollectionDef{
			OriginalID:  coll.ID,
			Name:        coll.Name,
			Description: coll.Description,
			ProfileID:   coll.ProfileID,
			Visibility:  string(coll.Visibility),
		})

		if e.cases == nil {
			continue
		}
		cases, err := e.cases.ListByCollection(ctx, coll.ID, maxExportDocs)
		if err != nil {
			return fmt.Errorf("pack: dump collection %d: %w", coll.ID, err)
		}
		for _, c := range cases {
			docs.Documents = append(docs.Documents, DocumentDef{
				OriginalID:   c.ID,
				CollectionID: c.CollectionID,
				Question:     c.Question,
				Answer:       c.Answer,
				Tool:         c.Tool,
				Quality:      c.Quality,
				Metadata:     c.Metadata,
			})
		}
	}
	return nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("pack: create zip entry %q: %w", name, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("pack: encode %q: %w", name, err)
	}
	return nil
}
