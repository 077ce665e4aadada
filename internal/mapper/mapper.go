package mapper

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"crmsync/internal"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

type WarningKind string

const (
	// WarningRequired: a required source attribute is absent or empty.
	WarningRequired WarningKind = "required"
	// WarningEmpty: an attribute is present in the record but empty.
	WarningEmpty WarningKind = "empty"
	// WarningTransform: a value could not be coerced; the field is omitted.
	WarningTransform WarningKind = "transform"
	// WarningSchema: the kind has no templates.
	WarningSchema WarningKind = "schema"
)

type Warning struct {
	Kind    WarningKind
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %s", w.Kind, w.Field, w.Message)
}

// AuditType is the audit category the warning is reported under.
func (w Warning) AuditType() internal.AuditType {
	switch w.Kind {
	case WarningRequired, WarningEmpty:
		return internal.AuditEmptyField
	default:
		return internal.AuditMappingError
	}
}

// Mapper turns source records into CRM field sets. It holds no state besides
// the schema and is safe for concurrent use.
type Mapper struct {
	schema *schema.Schema
}

func New(s *schema.Schema) *Mapper {
	return &Mapper{schema: s}
}

func (m *Mapper) Schema() *schema.Schema { return m.schema }

// Map applies the field templates of kind to rec. Warnings never block
// mapping: the returned field set holds every field that could be produced.
func (m *Mapper) Map(kind internal.Kind, rec internal.SourceRecord) (internal.FieldSet, []Warning) {
	entity, err := m.schema.Entity(kind)
	if err != nil {
		return internal.FieldSet{}, []Warning{{Kind: WarningSchema, Field: string(kind), Message: err.Error()}}
	}

	warnings := emptyAttributes(rec)
	fields := internal.FieldSet{}
	required := map[string]struct{}{}

	for _, f := range entity.Fields {
		raw := rec.String(f.Source)
		if f.Source == "" || raw == "" {
			if f.Required && f.Source != "" {
				if _, dup := required[f.Source]; !dup {
					required[f.Source] = struct{}{}
					warnings = append(warnings, Warning{Kind: WarningRequired, Field: f.Source, Message: "required attribute is empty"})
				}
			}
			if f.Default != nil {
				fields[f.Target] = f.Default
			}
			continue
		}

		value, err := Apply(f, rec[f.Source])
		if err != nil {
			warnings = append(warnings, Warning{Kind: WarningTransform, Field: f.Source, Message: err.Error()})
			continue
		}
		fields[f.Target] = value
	}

	return fields, warnings
}

// Diagnose returns only the warnings Map would report.
func (m *Mapper) Diagnose(kind internal.Kind, rec internal.SourceRecord) []Warning {
	_, warnings := m.Map(kind, rec)
	return warnings
}

func emptyAttributes(rec internal.SourceRecord) []Warning {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if rec.String(k) == "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Warning, 0, len(keys))
	for _, k := range keys {
		out = append(out, Warning{Kind: WarningEmpty, Field: k, Message: "attribute is empty"})
	}
	return out
}

var errNotBool = errors.New("not a Y/N value")

// Apply converts one non-empty source value according to the field template.
func Apply(f schema.Field, raw any) (any, error) {
	text := internal.SourceRecord{"v": raw}.String("v")

	switch f.Transform {
	case "", schema.TransformString:
		return text, nil
	case schema.TransformNumber:
		n, err := util.ParseNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", text, err)
		}
		return n, nil
	case schema.TransformDate:
		return reformatDate(text, f.Layout, f.LayoutOut)
	case schema.TransformBool:
		switch strings.ToLower(text) {
		case "y", "yes", "1", "true", "да":
			return "Y", nil
		case "n", "no", "0", "false", "нет":
			return "N", nil
		}
		return nil, fmt.Errorf("%q: %w", text, errNotBool)
	case schema.TransformHTMLText:
		return htmlText(text)
	case schema.TransformPhone:
		return multiField(text), nil
	case schema.TransformEmail:
		if !strings.Contains(text, "@") {
			return nil, fmt.Errorf("%q: not an email address", text)
		}
		return multiField(text), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", f.Transform)
	}
}

func reformatDate(text, layout, layoutOut string) (string, error) {
	if layoutOut == "" {
		layoutOut = time.RFC3339
	}
	for _, l := range []string{layout, layoutOut, time.RFC3339} {
		if t, err := time.Parse(l, text); err == nil {
			return t.Format(layoutOut), nil
		}
	}
	return "", fmt.Errorf("%q does not match layout %q", text, layout)
}

var spaceRun = regexp.MustCompile(`\s+`)

func htmlText(text string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return "", err
	}
	doc.Find("br,p,li,div").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.TrimSpace(spaceRun.ReplaceAllString(doc.Text(), " ")), nil
}

func multiField(value string) []map[string]string {
	return []map[string]string{{"VALUE": value, "VALUE_TYPE": "WORK"}}
}
