package normalize

import (
	"bytes"
	"encoding/json"
)

// Document is the top level of a source document. Locale sections are read
// separately because their keys are dynamic.
type Document struct {
	ID                  Text     `json:"_id"`
	Slug                Text     `json:"slug"`
	Documents           Opaque   `json:"documents"`
	FAQs                Opaque   `json:"faqs"`
	ApplicationChannels Channels `json:"applicationChannels"`
}

// LocaleDocument is one locale's view of a scheme.
type LocaleDocument struct {
	BasicDetails        BasicDetails        `json:"basicDetails"`
	SchemeContent       SchemeContent       `json:"schemeContent"`
	EligibilityCriteria EligibilityCriteria `json:"eligibilityCriteria"`
	ApplicationProcess  Opaque              `json:"applicationProcess"`
}

// BasicDetails holds the identifying and organizational fields.
type BasicDetails struct {
	SchemeName          Text    `json:"schemeName"`
	SchemeShortTitle    Text    `json:"schemeShortTitle"`
	NodalMinistryName   Label   `json:"nodalMinistryName"`
	NodalDepartmentName Label   `json:"nodalDepartmentName"`
	SchemeCategory      Labels  `json:"schemeCategory"`
	SchemeSubCategory   Labels  `json:"schemeSubCategory"`
	Level               Label   `json:"level"`
	SchemeType          Label   `json:"schemeType"`
	Tags                Strings `json:"tags"`
	TargetBeneficiaries Labels  `json:"targetBeneficiaries"`
	SchemeOpenDate      Text    `json:"schemeOpenDate"`
	SchemeCloseDate     Text    `json:"schemeCloseDate"`
	State               Strings `json:"state"`
}

// SchemeContent holds descriptive rich content.
type SchemeContent struct {
	BriefDescription    Text   `json:"briefDescription"`
	DetailedDescription Opaque `json:"detailedDescription"`
	Benefits            Opaque `json:"benefits"`
	ContactInfo         Opaque `json:"contactInfo"`
	References          Opaque `json:"references"`
}

// EligibilityCriteria holds eligibility rich content.
type EligibilityCriteria struct {
	EligibilityDescription Opaque `json:"eligibilityDescription"`
}

// ApplicationChannel is one way of applying for a scheme.
type ApplicationChannel struct {
	ApplicationURL Text `json:"applicationUrl"`
}

// UnmarshalJSON treats a non-object locale as empty.
func (l *LocaleDocument) UnmarshalJSON(data []byte) error {
	type plain LocaleDocument
	*l = LocaleDocument(lenient[plain](data))
	return nil
}

// UnmarshalJSON treats a non-object section as absent.
func (b *BasicDetails) UnmarshalJSON(data []byte) error {
	type plain BasicDetails
	*b = BasicDetails(lenient[plain](data))
	return nil
}

// UnmarshalJSON treats a non-object section as absent.
func (s *SchemeContent) UnmarshalJSON(data []byte) error {
	type plain SchemeContent
	*s = SchemeContent(lenient[plain](data))
	return nil
}

// UnmarshalJSON treats a non-object section as absent.
func (e *EligibilityCriteria) UnmarshalJSON(data []byte) error {
	type plain EligibilityCriteria
	*e = EligibilityCriteria(lenient[plain](data))
	return nil
}

// UnmarshalJSON treats a non-object channel as empty.
func (a *ApplicationChannel) UnmarshalJSON(data []byte) error {
	type plain ApplicationChannel
	*a = ApplicationChannel(lenient[plain](data))
	return nil
}

func lenient[T any](data []byte) T {
	var out T
	if !isObject(data) {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		var zero T
		return zero
	}
	return out
}

// Text is a string field that tolerates numbers and ignores other shapes.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	*t = ""
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = Text(n.String())
	}
	return nil
}

// Label is a {label, value} pair. A bare string is read as the label.
type Label struct {
	Label Text `json:"label"`
	Value Text `json:"value"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Label) UnmarshalJSON(data []byte) error {
	*l = Label{}
	if isObject(data) {
		type plain Label
		*l = Label(lenient[plain](data))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		l.Label = Text(s)
	}
	return nil
}

// Labels is a list of Label. A single object is read as a one-item list.
type Labels []Label

// UnmarshalJSON implements json.Unmarshaler.
func (ls *Labels) UnmarshalJSON(data []byte) error {
	*ls = nil
	if isObject(data) {
		var l Label
		_ = l.UnmarshalJSON(data)
		*ls = Labels{l}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	for _, item := range items {
		var l Label
		_ = l.UnmarshalJSON(item)
		*ls = append(*ls, l)
	}
	return nil
}

// Strings is a list of strings. A single string is read as a one-item list
// and non-string elements are dropped.
type Strings []string

// UnmarshalJSON implements json.Unmarshaler.
func (ss *Strings) UnmarshalJSON(data []byte) error {
	*ss = nil
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*ss = Strings{single}
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil && s != "" {
			*ss = append(*ss, s)
		}
	}
	return nil
}

// Channels is a list of application channels; any other shape is empty.
type Channels []ApplicationChannel

// UnmarshalJSON implements json.Unmarshaler.
func (cs *Channels) UnmarshalJSON(data []byte) error {
	*cs = nil
	var items []ApplicationChannel
	if err := json.Unmarshal(data, &items); err == nil {
		*cs = items
	}
	return nil
}

// Opaque is arbitrary JSON kept verbatim. JSON null is treated as absent.
type Opaque json.RawMessage

// UnmarshalJSON implements json.Unmarshaler.
func (o *Opaque) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}
	*o = append((*o)[:0], trimmed...)
	return nil
}

// Or returns o, or def when o is absent.
func (o Opaque) Or(def string) json.RawMessage {
	if len(o) == 0 {
		return json.RawMessage(def)
	}
	return json.RawMessage(o)
}

// labels flattens non-empty labels.
func (ls Labels) labels() []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		if l.Label != "" {
			out = append(out, string(l.Label))
		}
	}
	return out
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
