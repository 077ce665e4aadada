package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindWarehouse Kind = "warehouse"
	KindCard      Kind = "card"
	KindBrand     Kind = "brand"
	KindClient    Kind = "client"
	KindProduct   Kind = "product"
	KindDeal      Kind = "deal"
)

// Kinds lists every entity kind in dependency order: a kind only references
// kinds that appear before it.
var Kinds = []Kind{KindWarehouse, KindBrand, KindClient, KindCard, KindProduct, KindDeal}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// TargetID is the CRM platform's numeric identifier of a record.
type TargetID int64

func (id TargetID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func TargetIDPtr(id TargetID) *TargetID { return &id }

// NaturalKey identifies a target entity by a business identifier.
type NaturalKey struct {
	Kind  Kind
	Value string
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// SourceRecord is a raw row of the point-of-sale dataset. It is never mutated
// after the fetch.
type SourceRecord map[string]any

// String returns the attribute as trimmed text. Numbers are formatted without
// exponent; missing and null attributes yield "".
func (r SourceRecord) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Has reports whether the attribute is present, even if empty.
func (r SourceRecord) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// FieldSet is the payload submitted to the CRM for one record.
type FieldSet map[string]any

func (f FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type ProductLine struct {
	ProductID TargetID `json:"PRODUCT_ID"`
	Quantity  float64  `json:"QUANTITY"`
	Price     float64  `json:"PRICE"`
}

// Deal is a CRM deal as seen by the deduplication pass.
type Deal struct {
	ID            TargetID
	ReceiptNumber string
	SaleDate      string
	Amount        float64
}

// DealKey is the composite natural key of a deal.
type DealKey struct {
	ReceiptNumber string
	SaleDate      string
}

func (d Deal) Key() DealKey {
	return DealKey{ReceiptNumber: d.ReceiptNumber, SaleDate: d.SaleDate}
}

func (k DealKey) Empty() bool {
	return strings.TrimSpace(k.ReceiptNumber) == "" || strings.TrimSpace(k.SaleDate) == ""
}

func (k DealKey) String() string {
	return k.ReceiptNumber + "@" + k.SaleDate
}

type LookupStatus int

const (
	LookupNotFound LookupStatus = iota
	LookupFound
	LookupTransientError
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupTransientError:
		return "transient_error"
	default:
		return "not_found"
	}
}

// LookupResult is the outcome of a remote find by natural key.
type LookupResult struct {
	Status LookupStatus
	ID     TargetID
	Err    error
}

func Found(id TargetID) LookupResult { return LookupResult{Status: LookupFound, ID: id} }

func NotFound() LookupResult { return LookupResult{Status: LookupNotFound} }

func TransientError(err error) LookupResult {
	return LookupResult{Status: LookupTransientError, Err: err}
}

// Attachment is a binary file sent inline with a CRM record.
type Attachment struct {
	Name    string
	Content []byte
}

type AuditType string

const (
	AuditEmptyField   AuditType = "empty_field"
	AuditMappingError AuditType = "mapping_error"
	AuditPhotoError   AuditType = "photo_error"
	AuditUserNotFound AuditType = "user_not_found"
	AuditGeneralError AuditType = "general_error"
	AuditSuccess      AuditType = "success"
)

// AuditEvent is one structured entry for the audit sink.
type AuditEvent struct {
	Type       AuditType
	EntityType Kind
	EntityID   string
	Message    string
	Context    map[string]any
}

// AuditSink receives audit events. Implementations must not fail the caller;
// persistence errors are their own concern.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, AuditEvent) {}

// DiscardAudit drops every event.
var DiscardAudit AuditSink = discardAudit{}
