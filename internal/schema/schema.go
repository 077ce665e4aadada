package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"crmsync/internal"
)

//go:embed default.yaml
var defaultYAML []byte

// API selects the CRM method family used for a kind.
type API string

const (
	APISmart   API = "smart"
	APIContact API = "contact"
	APIProduct API = "product"
	APIDeal    API = "deal"
)

type Transform string

const (
	TransformString   Transform = "string"
	TransformNumber   Transform = "number"
	TransformDate     Transform = "date"
	TransformBool     Transform = "bool"
	TransformHTMLText Transform = "html_text"
	TransformPhone    Transform = "phone"
	TransformEmail    Transform = "email"
)

func (t Transform) valid() bool {
	switch t {
	case "", TransformString, TransformNumber, TransformDate, TransformBool,
		TransformHTMLText, TransformPhone, TransformEmail:
		return true
	}
	return false
}

// Field maps one source attribute onto one target field.
type Field struct {
	Target    string    `yaml:"target"`
	Source    string    `yaml:"source"`
	Required  bool      `yaml:"required"`
	Transform Transform `yaml:"transform"`
	Default   any       `yaml:"default"`
	Layout    string    `yaml:"layout"`
	LayoutOut string    `yaml:"layout_out"`
}

// Relation links a source attribute holding another kind's natural key to the
// target field that receives the resolved id.
type Relation struct {
	Kind         internal.Kind      `yaml:"kind"`
	Source       string             `yaml:"source"`
	Target       string             `yaml:"target"`
	MissingAudit internal.AuditType `yaml:"missing_audit"`
}

type Images struct {
	Sources []string `yaml:"sources"`
	Fields  []string `yaml:"fields"`
}

// Line describes how a purchase record becomes a deal product line.
type Line struct {
	ProductSource string `yaml:"product_source"`
	Quantity      string `yaml:"quantity"`
	Price         string `yaml:"price"`
	Amount        string `yaml:"amount"`
}

type Entity struct {
	Kind         internal.Kind `yaml:"-"`
	API          API           `yaml:"api"`
	EntityTypeID int           `yaml:"entity_type_id"`
	Table        string        `yaml:"table"`
	SourceKey    string        `yaml:"source_key"`
	KeyField     string        `yaml:"key_field"`
	Fields       []Field       `yaml:"fields"`
	Relations    []Relation    `yaml:"relations"`
	Images       Images        `yaml:"images"`

	// Synthesize marks kinds whose record can be built from the natural key
	// alone when the dataset holds no richer one.
	Synthesize bool `yaml:"synthesize"`

	// Deal only.
	DateSource  string `yaml:"date_source"`
	DateField   string `yaml:"date_field"`
	AmountField string `yaml:"amount_field"`
	ClientField string `yaml:"client_field"`
	Line        Line   `yaml:"line"`
}

// Relation returns the declared relation to kind, if any.
func (e *Entity) Relation(kind internal.Kind) (Relation, bool) {
	for _, r := range e.Relations {
		if r.Kind == kind {
			return r, true
		}
	}
	return Relation{}, false
}

// DateLayout is the source layout of the deal date attribute.
func (e *Entity) DateLayout() string {
	if f, ok := e.Field(e.DateField); ok && f.Layout != "" {
		return f.Layout
	}
	return "2006-01-02 15:04:05"
}

// Field returns the template writing target.
func (e *Entity) Field(target string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Target == target {
			return f, true
		}
	}
	return Field{}, false
}

type Schema struct {
	Entities map[internal.Kind]*Entity `yaml:"entities"`
}

// Default returns the embedded schema.
func Default() (*Schema, error) {
	return Parse(defaultYAML)
}

// Load reads the schema from path, or the embedded default when path is empty.
func Load(path string) (*Schema, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(blob)
}

func Parse(blob []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for kind, e := range s.Entities {
		if e == nil {
			return nil, fmt.Errorf("schema: empty entity %q", kind)
		}
		e.Kind = kind
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Entity returns the templates of kind.
func (s *Schema) Entity(kind internal.Kind) (*Entity, error) {
	e, ok := s.Entities[kind]
	if !ok {
		return nil, fmt.Errorf("schema: unknown kind %q", kind)
	}
	return e, nil
}

func (s *Schema) validate() error {
	var errs []error
	for _, kind := range internal.Kinds {
		if _, ok := s.Entities[kind]; !ok {
			errs = append(errs, fmt.Errorf("kind %s: missing", kind))
		}
	}
	for kind, e := range s.Entities {
		if !kind.Valid() {
			errs = append(errs, fmt.Errorf("kind %s: unknown", kind))
			continue
		}
		switch e.API {
		case APISmart:
			if e.EntityTypeID <= 0 {
				errs = append(errs, fmt.Errorf("kind %s: smart entity needs entity_type_id", kind))
			}
		case APIContact, APIProduct, APIDeal:
		default:
			errs = append(errs, fmt.Errorf("kind %s: unknown api %q", kind, e.API))
		}
		if e.Table == "" && !e.Synthesize {
			errs = append(errs, fmt.Errorf("kind %s: needs a source table or synthesize", kind))
		}
		if e.SourceKey == "" || e.KeyField == "" {
			errs = append(errs, fmt.Errorf("kind %s: source_key and key_field are required", kind))
		}
		for _, f := range e.Fields {
			if f.Target == "" {
				errs = append(errs, fmt.Errorf("kind %s: field without target", kind))
			}
			if !f.Transform.valid() {
				errs = append(errs, fmt.Errorf("kind %s: field %s: unknown transform %q", kind, f.Target, f.Transform))
			}
			if f.Transform == TransformDate && f.Layout == "" {
				errs = append(errs, fmt.Errorf("kind %s: field %s: date needs layout", kind, f.Target))
			}
		}
		for _, r := range e.Relations {
			if !r.Kind.Valid() || r.Kind == kind {
				errs = append(errs, fmt.Errorf("kind %s: bad relation kind %q", kind, r.Kind))
			}
			if r.Source == "" || r.Target == "" {
				errs = append(errs, fmt.Errorf("kind %s: relation %s needs source and target", kind, r.Kind))
			}
		}
		if len(e.Images.Sources) != len(e.Images.Fields) {
			errs = append(errs, fmt.Errorf("kind %s: images sources and fields differ in length", kind))
		}
		if kind == internal.KindDeal {
			if e.DateSource == "" || e.DateField == "" || e.AmountField == "" {
				errs = append(errs, errors.New("kind deal: date_source, date_field and amount_field are required"))
			}
			if e.Line.ProductSource == "" || e.Line.Quantity == "" || e.Line.Price == "" {
				errs = append(errs, errors.New("kind deal: line needs product_source, quantity and price"))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid schema: %w", errors.Join(errs...))
	}
	return nil
}
