// Package template manages versioned mapping templates: how a
// servicer's file names, sheets, and columns map onto destination
// tables and typed fields.
package template

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/servicing-import/internal/ident"
	"github.com/sells-group/servicing-import/internal/match"
	"github.com/sells-group/servicing-import/internal/model"
)

// Store is the persistence surface templates need.
type Store interface {
	CreateTemplate(ctx context.Context, t *model.MappingTemplate) error
	GetTemplate(ctx context.Context, id string) (*model.MappingTemplate, error)
	LatestTemplate(ctx context.Context, name string) (*model.MappingTemplate, error)
	ListTemplates(ctx context.Context) ([]model.MappingTemplate, error)
}

// LoadFile parses a template definition from a YAML file.
func LoadFile(filePath string) (*model.MappingTemplate, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, eris.Wrap(err, "template: read file")
	}

	var t model.MappingTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "template: parse yaml")
	}

	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks a template for structural problems before it is
// stored: missing names, identifier-illegal targets, and unknown
// column types. Unset column types default to text.
func Validate(t *model.MappingTemplate) error {
	if t.Name == "" {
		return eris.New("template: name is required")
	}
	if len(t.Sheets) == 0 {
		return eris.New("template: at least one sheet mapping is required")
	}

	for i := range t.Sheets {
		sm := &t.Sheets[i]
		if sm.SourceSheet == "" {
			return eris.Errorf("template: sheet %d: source_sheet is required", i)
		}
		if sm.Skip {
			continue
		}
		if sm.TargetTable == "" {
			sm.TargetTable = ident.NormalizeTable(t.TablePrefix, sm.SourceSheet)
		}
		if !ident.Valid(sm.TargetTable) {
			return eris.Errorf("template: sheet %q: invalid target table %q", sm.SourceSheet, sm.TargetTable)
		}

		for j := range sm.Columns {
			cm := &sm.Columns[j]
			if cm.Skip {
				continue
			}
			if cm.SourceHeader == "" {
				return eris.Errorf("template: sheet %q: column %d: source_header is required", sm.SourceSheet, j)
			}
			if cm.TargetField == "" {
				cm.TargetField = ident.Normalize(cm.SourceHeader)
			}
			if !ident.Valid(cm.TargetField) {
				return eris.Errorf("template: sheet %q: invalid target field %q", sm.SourceSheet, cm.TargetField)
			}
			if cm.Type == "" {
				cm.Type = model.TypeText
			}
			if !model.ValidColumnType(cm.Type) {
				return eris.Errorf("template: sheet %q: column %q: unknown type %q", sm.SourceSheet, cm.SourceHeader, cm.Type)
			}
		}
	}
	return nil
}

// MatchFileName reports whether the template's file pattern matches the
// given file name. Patterns are shell globs, compared case-insensitively
// against the base name.
func MatchFileName(t *model.MappingTemplate, fileName string) bool {
	if t.FilePattern == "" {
		return false
	}
	base := strings.ToLower(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	ok, err := path.Match(strings.ToLower(t.FilePattern), base)
	if err != nil {
		return false
	}
	return ok
}

// FindForFile returns the first template whose pattern matches the
// file name, preferring the latest version of each template.
func FindForFile(ctx context.Context, store Store, fileName string) (*model.MappingTemplate, error) {
	templates, err := store.ListTemplates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "template: list for file match")
	}
	for i := range templates {
		if MatchFileName(&templates[i], fileName) {
			return &templates[i], nil
		}
	}
	return nil, nil
}

// SuggestMappings runs the similarity matcher between a sheet's source
// headers and the known target fields, returning suggested column
// mappings for headers that clear the usability threshold.
func SuggestMappings(headers, targetFields []string) []model.ColumnMapping {
	res := match.Match(headers, targetFields)
	suggestions := res.Suggestions(0)

	out := make([]model.ColumnMapping, 0, len(headers))
	for _, h := range headers {
		cm := model.ColumnMapping{SourceHeader: h, Type: model.TypeText}
		if best, ok := suggestions[h]; ok {
			cm.TargetField = best.Field
		} else {
			cm.TargetField = ident.Normalize(h)
		}
		out = append(out, cm)
	}
	return out
}
