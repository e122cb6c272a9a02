package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

const uniqueViolation = "23505"

const schemeExistsQuery = `SELECT EXISTS (SELECT 1 FROM schemes WHERE external_id = $1)`

const insertSchemeQuery = `
INSERT INTO schemes (
	external_id,
	slug,
	title,
	short_title,
	description,
	detailed_description,
	ministry,
	department,
	category,
	sub_category,
	level,
	scheme_type,
	tags,
	target_beneficiaries,
	open_date,
	close_date,
	application_url,
	contact_info,
	scheme_references,
	applicable_states,
	benefits,
	eligibility,
	application_process,
	documents_required,
	faqs,
	lang,
	translations,
	raw_data,
	status
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
	$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29
)`

// SchemeStore persists normalized records, keeping the first write of each
// external id.
type SchemeStore struct {
	db DB
}

// NewSchemeStore wraps db.
func NewSchemeStore(db DB) (*SchemeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SchemeStore{db: db}, nil
}

// SaveScheme inserts rec unless its external id already exists.
func (s *SchemeStore) SaveScheme(ctx context.Context, rec crawler.SchemeRecord) (crawler.SaveOutcome, error) {
	if rec.ExternalID == "" {
		return crawler.SaveError, fmt.Errorf("external id is required")
	}

	var exists bool
	if err := s.db.QueryRow(ctx, schemeExistsQuery, rec.ExternalID).Scan(&exists); err != nil {
		return crawler.SaveError, fmt.Errorf("check scheme %s: %w", rec.ExternalID, err)
	}
	if exists {
		return crawler.SaveDuplicate, nil
	}

	translations := rec.Translations
	if translations == nil {
		translations = map[string]json.RawMessage{}
	}
	translationsJSON, err := json.Marshal(translations)
	if err != nil {
		return crawler.SaveError, fmt.Errorf("marshal translations: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = crawler.RecordPending
	}

	args := []any{
		rec.ExternalID,
		rec.Slug,
		rec.Title,
		rec.ShortTitle,
		rec.Description,
		jsonOr(rec.DetailedDescription, "{}"),
		rec.Ministry,
		rec.Department,
		rec.Category,
		textArray(rec.SubCategory),
		rec.Level,
		rec.SchemeType,
		textArray(rec.Tags),
		textArray(rec.TargetBeneficiaries),
		rec.OpenDate,
		rec.CloseDate,
		rec.ApplicationURL,
		jsonOr(rec.ContactInfo, "{}"),
		jsonOr(rec.References, "[]"),
		textArray(rec.ApplicableStates),
		jsonOr(rec.Benefits, "[]"),
		jsonOr(rec.Eligibility, "[]"),
		jsonOr(rec.ApplicationProcess, "[]"),
		jsonOr(rec.DocumentsRequired, "[]"),
		jsonOr(rec.FAQs, "[]"),
		rec.Lang,
		json.RawMessage(translationsJSON),
		jsonOr(rec.RawData, "{}"),
		string(status),
	}
	if _, err := s.db.Exec(ctx, insertSchemeQuery, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawler.SaveDuplicate, nil
		}
		return crawler.SaveError, fmt.Errorf("insert scheme %s: %w", rec.ExternalID, err)
	}
	return crawler.SaveSuccess, nil
}

func jsonOr(raw json.RawMessage, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	return raw
}

func textArray(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
