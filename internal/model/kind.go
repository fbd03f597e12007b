package model

// Kind names one fact type backed by the row store.
type Kind string

const (
	KindContentMimetype         Kind = "content_mimetype"
	KindContentLicense          Kind = "content_license"
	KindContentCtags            Kind = "content_ctags"
	KindContentMetadata         Kind = "content_metadata"
	KindDirectoryMetadata       Kind = "directory_metadata"
	KindOriginIntrinsicMetadata Kind = "origin_intrinsic_metadata"
	KindOriginExtrinsicMetadata Kind = "origin_extrinsic_metadata"
)

// SubjectKind says what identifier space a kind's subjects live in.
type SubjectKind int

const (
	// SubjectHash subjects are lowercase hex digests of content-addressed
	// objects. Fixed width per kind, partition-scannable.
	SubjectHash SubjectKind = iota
	// SubjectURL subjects are origin URLs. Not partition-scannable.
	SubjectURL
)

// KindSpec describes how the generic row store treats one fact kind.
// This registry is the single place a new fact type is declared; every
// backend derives its tables, topics, and merge behavior from it.
type KindSpec struct {
	Name    Kind
	Subject SubjectKind

	// MergeField is the payload list field unioned by AddMerge, keyed per
	// item by the item's canonical JSON. Empty for single-valued kinds.
	MergeField string
}

// Mergeable reports whether the kind supports AddMerge.
func (s KindSpec) Mergeable() bool { return s.MergeField != "" }

var kindRegistry = map[Kind]KindSpec{
	KindContentMimetype:         {Name: KindContentMimetype, Subject: SubjectHash},
	KindContentLicense:          {Name: KindContentLicense, Subject: SubjectHash, MergeField: "licenses"},
	KindContentCtags:            {Name: KindContentCtags, Subject: SubjectHash, MergeField: "symbols"},
	KindContentMetadata:         {Name: KindContentMetadata, Subject: SubjectHash},
	KindDirectoryMetadata:       {Name: KindDirectoryMetadata, Subject: SubjectHash},
	KindOriginIntrinsicMetadata: {Name: KindOriginIntrinsicMetadata, Subject: SubjectURL},
	KindOriginExtrinsicMetadata: {Name: KindOriginExtrinsicMetadata, Subject: SubjectURL},
}

// kindOrder fixes a stable iteration order for schema generation and
// summary reporting.
var kindOrder = []Kind{
	KindContentMimetype,
	KindContentLicense,
	KindContentCtags,
	KindContentMetadata,
	KindDirectoryMetadata,
	KindOriginIntrinsicMetadata,
	KindOriginExtrinsicMetadata,
}

// Spec returns the registry entry for the kind.
func (k Kind) Spec() (KindSpec, bool) {
	s, ok := kindRegistry[k]
	return s, ok
}

// Valid reports whether the kind is registered.
func (k Kind) Valid() bool {
	_, ok := kindRegistry[k]
	return ok
}

// Topic returns the event-log topic that mirrors accepted writes of this
// kind.
func (k Kind) Topic() string { return "fact." + string(k) }

// Kinds returns every registered kind in stable order.
func Kinds() []Kind {
	out := make([]Kind, len(kindOrder))
	copy(out, kindOrder)
	return out
}
