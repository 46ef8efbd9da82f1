package livedata

import (
	"fmt"
	"sort"
	"strings"
)

const (
	idSeparator     = '~'
	bundleSeparator = ','
	keySeparator    = '|'
	escapeChar      = '\\'
)

// Separator characters inside schemes and values are escaped with a
// backslash so that the canonical forms stay unambiguous
var escaper = strings.NewReplacer(
	`\`, `\\`,
	string(idSeparator), `\`+string(idSeparator),
	string(bundleSeparator), `\`+string(bundleSeparator),
	string(keySeparator), `\`+string(keySeparator),
)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, escapeChar) < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == escapeChar {
			i++
			if i == len(s) {
				return "", fmt.Errorf("dangling escape in %q", s)
			}
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}

// splitUnescaped cuts s at every sep not preceded by an escape, leaving
// escapes in the parts
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case escapeChar:
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// ExternalID is a single (scheme, value) identifier for a data item
type ExternalID struct {
	Scheme string `json:"scheme" yaml:"scheme"`
	Value  string `json:"value" yaml:"value"`
}

// NewExternalID creates an ExternalID
func NewExternalID(scheme, value string) ExternalID {
	return ExternalID{Scheme: scheme, Value: value}
}

// ParseExternalID parses the SCHEME~VALUE form produced by ExternalID.String
func ParseExternalID(s string) (ExternalID, error) {
	parts := splitUnescaped(s, idSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ExternalID{}, fmt.Errorf("invalid external id %q: expected SCHEME~VALUE", s)
	}
	scheme, err := unescape(parts[0])
	if err != nil {
		return ExternalID{}, fmt.Errorf("invalid external id %q: %w", s, err)
	}
	value, err := unescape(parts[1])
	if err != nil {
		return ExternalID{}, fmt.Errorf("invalid external id %q: %w", s, err)
	}
	return ExternalID{Scheme: scheme, Value: value}, nil
}

// String returns the SCHEME~VALUE form, with separators in either part
// escaped by a backslash
func (id ExternalID) String() string {
	return escape(id.Scheme) + string(idSeparator) + escape(id.Value)
}

func (id ExternalID) less(other ExternalID) bool {
	if id.Scheme != other.Scheme {
		return id.Scheme < other.Scheme
	}
	return id.Value < other.Value
}

// Bundle is an immutable set of external identifiers naming one item.
// Identifiers are kept sorted and de-duplicated.
type Bundle struct {
	ids []ExternalID
}

// NewBundle creates a Bundle from the given identifiers
func NewBundle(ids ...ExternalID) Bundle {
	sorted := make([]ExternalID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	out := sorted[:0]
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		out = append(out, id)
	}
	return Bundle{ids: out}
}

// ParseBundle parses the canonical A~1,B~2 form produced by Bundle.String
func ParseBundle(s string) (Bundle, error) {
	if s == "" {
		return Bundle{}, nil
	}
	parts := splitUnescaped(s, bundleSeparator)
	ids := make([]ExternalID, 0, len(parts))
	for _, p := range parts {
		id, err := ParseExternalID(p)
		if err != nil {
			return Bundle{}, err
		}
		ids = append(ids, id)
	}
	return NewBundle(ids...), nil
}

// IDs returns a copy of the identifiers in canonical order
func (b Bundle) IDs() []ExternalID {
	out := make([]ExternalID, len(b.ids))
	copy(out, b.ids)
	return out
}

// Len returns the number of identifiers
func (b Bundle) Len() int {
	return len(b.ids)
}

// Value returns the value for the given scheme, if present
func (b Bundle) Value(scheme string) (string, bool) {
	for _, id := range b.ids {
		if id.Scheme == scheme {
			return id.Value, true
		}
	}
	return "", false
}

// Equal reports whether both bundles hold the same identifiers
func (b Bundle) Equal(other Bundle) bool {
	if len(b.ids) != len(other.ids) {
		return false
	}
	for i := range b.ids {
		if b.ids[i] != other.ids[i] {
			return false
		}
	}
	return true
}

// String returns the canonical form
func (b Bundle) String() string {
	parts := make([]string, len(b.ids))
	for i, id := range b.ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, string(bundleSeparator))
}

// MarshalText implements encoding.TextMarshaler
func (b Bundle) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (b *Bundle) UnmarshalText(text []byte) error {
	parsed, err := ParseBundle(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ItemSpecification names one data item under a normalization scheme.
// It is a value type; use Key for map lookups since Bundle is not comparable.
type ItemSpecification struct {
	NormalizationScheme string `json:"normalizationScheme" yaml:"normalizationScheme"`
	IDs                 Bundle `json:"ids" yaml:"ids"`
}

// NewItemSpecification creates an ItemSpecification
func NewItemSpecification(normalizationScheme string, ids ...ExternalID) ItemSpecification {
	return ItemSpecification{
		NormalizationScheme: normalizationScheme,
		IDs:                 NewBundle(ids...),
	}
}

// Key returns the canonical string identity of the specification. Distinct
// specifications never share a Key.
func (s ItemSpecification) Key() string {
	return escape(s.NormalizationScheme) + string(keySeparator) + s.IDs.String()
}

// Equal reports structural equality
func (s ItemSpecification) Equal(other ItemSpecification) bool {
	return s.NormalizationScheme == other.NormalizationScheme && s.IDs.Equal(other.IDs)
}

// IsZero reports whether the specification names nothing
func (s ItemSpecification) IsZero() bool {
	return s.NormalizationScheme == "" && s.IDs.Len() == 0
}

// FirstScheme returns the scheme of the first identifier in canonical order
func (s ItemSpecification) FirstScheme() (string, bool) {
	if len(s.IDs.ids) == 0 {
		return "", false
	}
	return s.IDs.ids[0].Scheme, true
}

// String implements fmt.Stringer
func (s ItemSpecification) String() string {
	return "ItemSpecification[" + s.Key() + "]"
}

// Keys returns the Key of every specification, in order
func Keys(specs []ItemSpecification) []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.Key()
	}
	return keys
}
