// Package normalize flattens nested multi-locale source documents into
// crawler.SchemeRecord values.
package normalize

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// ErrNotObject is returned when the document is not a JSON object.
var ErrNotObject = errors.New("document is not a JSON object")

// DefaultTitle is used when the source carries no scheme name.
const DefaultTitle = "Untitled Scheme"

// Config selects which locale feeds the flat fields.
type Config struct {
	Locale         string
	FallbackLocale string
}

// Normalizer implements crawler.Normalizer.
type Normalizer struct {
	cfg Config
}

// New builds a Normalizer. Locale defaults to "en" and FallbackLocale to "hi".
func New(cfg Config) *Normalizer {
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	if cfg.FallbackLocale == "" {
		cfg.FallbackLocale = "hi"
	}
	return &Normalizer{cfg: cfg}
}

// Normalize maps doc onto a pending SchemeRecord. Missing or malformed
// sections fall back to defaults; only a non-object document is an error.
func (n *Normalizer) Normalize(slug string, doc json.RawMessage) (crawler.SchemeRecord, error) {
	if !isObject(doc) {
		return crawler.SchemeRecord{}, ErrNotObject
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return crawler.SchemeRecord{}, errors.Join(ErrNotObject, err)
	}
	var d Document
	if err := json.Unmarshal(doc, &d); err != nil {
		return crawler.SchemeRecord{}, errors.Join(ErrNotObject, err)
	}

	lang, locale := n.selectLocale(top)
	basic := locale.BasicDetails
	content := locale.SchemeContent

	rec := crawler.SchemeRecord{
		Slug:                firstNonEmpty(string(d.Slug), slug),
		Title:               firstNonEmpty(strings.TrimSpace(string(basic.SchemeName)), DefaultTitle),
		ShortTitle:          string(basic.SchemeShortTitle),
		Description:         string(content.BriefDescription),
		DetailedDescription: content.DetailedDescription.Or("{}"),
		Ministry:            string(basic.NodalMinistryName.Label),
		Department:          string(basic.NodalDepartmentName.Label),
		SubCategory:         basic.SchemeSubCategory.labels(),
		Level:               string(basic.Level.Label),
		SchemeType:          string(basic.SchemeType.Label),
		Tags:                nonNil(basic.Tags),
		TargetBeneficiaries: basic.TargetBeneficiaries.labels(),
		OpenDate:            string(basic.SchemeOpenDate),
		CloseDate:           string(basic.SchemeCloseDate),
		ContactInfo:         content.ContactInfo.Or("{}"),
		References:          content.References.Or("[]"),
		ApplicableStates:    applicableStates(basic),
		Benefits:            content.Benefits.Or("[]"),
		Eligibility:         locale.EligibilityCriteria.EligibilityDescription.Or("[]"),
		ApplicationProcess:  locale.ApplicationProcess.Or("[]"),
		DocumentsRequired:   d.Documents.Or("[]"),
		FAQs:                d.FAQs.Or("[]"),
		Lang:                lang,
		Translations:        translations(top, lang),
		RawData:             append(json.RawMessage(nil), doc...),
		Status:              crawler.RecordPending,
	}
	rec.ExternalID = firstNonEmpty(string(d.ID), rec.Slug)
	if cats := basic.SchemeCategory.labels(); len(cats) > 0 {
		rec.Category = cats[0]
	}
	if len(d.ApplicationChannels) > 0 {
		rec.ApplicationURL = string(d.ApplicationChannels[0].ApplicationURL)
	}
	return rec, nil
}

// selectLocale returns the primary locale section, else the fallback, else
// an empty document tagged with the primary locale.
func (n *Normalizer) selectLocale(top map[string]json.RawMessage) (string, LocaleDocument) {
	for _, lang := range []string{n.cfg.Locale, n.cfg.FallbackLocale} {
		raw, ok := top[lang]
		if !ok || !isObject(raw) {
			continue
		}
		var ld LocaleDocument
		_ = json.Unmarshal(raw, &ld)
		return lang, ld
	}
	return n.cfg.Locale, LocaleDocument{}
}

func applicableStates(basic BasicDetails) []string {
	if strings.EqualFold(string(basic.Level.Value), "central") {
		return []string{crawler.NationwideSentinel}
	}
	if len(basic.State) > 0 {
		return append([]string(nil), basic.State...)
	}
	return []string{crawler.NationwideSentinel}
}

// translations keeps every other top-level object, keyed by locale.
func translations(top map[string]json.RawMessage, selected string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for key, raw := range top {
		switch key {
		case selected, "_id", "slug":
			continue
		}
		if isObject(raw) {
			out[key] = append(json.RawMessage(nil), raw...)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
