package ledger

import (
	"strconv"
	"time"

	"github.com/mapleshot/mapleshot/internal/models"
)

// The external record is a flat bag of string fields with no native
// schema. Every read parses with explicit defaults so that a record
// written by an older field layout never becomes an error, and every
// write carries the version marker.
const (
	schemaVersion = "2"

	fieldSchemaVersion = "schema_version"

	fieldFreeImageCredits = "free_image_credits"
	fieldPaidImageCredits = "paid_image_credits"
	fieldFreeVideoCredits = "free_video_credits"
	fieldPaidVideoCredits = "paid_video_credits"

	fieldTotalImageGens = "total_image_gens"
	fieldTotalVideoGens = "total_video_gens"

	fieldLastImageAt     = "last_image_at"
	fieldLastImagePreset = "last_image_preset"
	fieldLastVideoAt     = "last_video_at"
	fieldLastVideoPreset = "last_video_preset"

	fieldLastEventID      = "last_event_id"
	fieldLastImageEventID = "last_event_id_image"
	fieldLastVideoEventID = "last_event_id_video"
	fieldLastHash         = "last_hash"
	fieldLastBytes        = "last_bytes"

	// Version 1 kept a single paid bucket under these names.
	legacyFieldCredits   = "credits"
	legacyFieldTotalGens = "total_gens"
)

// Fields is the raw string-keyed record as the store holds it.
type Fields map[string]string

func parseAccount(f Fields) models.CreditAccount {
	acct := models.CreditAccount{
		FreeImageCredits:      parseInt(f[fieldFreeImageCredits]),
		PaidImageCredits:      parseInt(f[fieldPaidImageCredits]),
		FreeVideoCredits:      parseInt(f[fieldFreeVideoCredits]),
		PaidVideoCredits:      parseInt(f[fieldPaidVideoCredits]),
		TotalImageGenerations: parseInt(f[fieldTotalImageGens]),
		TotalVideoGenerations: parseInt(f[fieldTotalVideoGens]),
		LastImageChargeAt:     parseTime(f[fieldLastImageAt]),
		LastImagePreset:       f[fieldLastImagePreset],
		LastVideoChargeAt:     parseTime(f[fieldLastVideoAt]),
		LastVideoPreset:       f[fieldLastVideoPreset],
		LastTopUpEventID:      f[fieldLastEventID],
		LastImageTopUpEventID: f[fieldLastImageEventID],
		LastVideoTopUpEventID: f[fieldLastVideoEventID],
		LastRequestHash:       f[fieldLastHash],
		LastRequestBytes:      parseInt64(f[fieldLastBytes]),
	}

	// Version 1 records carry a single "credits" counter with no
	// type or funding split; fold it into the paid image bucket on
	// read. The next write persists the migrated layout.
	if f[fieldSchemaVersion] == "" && f[legacyFieldCredits] != "" {
		acct.PaidImageCredits += parseInt(f[legacyFieldCredits])
		if acct.TotalImageGenerations == 0 {
			acct.TotalImageGenerations = parseInt(f[legacyFieldTotalGens])
		}
	}
	return acct
}

// EncodeAccount flattens an account into the current-version field
// set. Every schema field is present on every write, with cleared
// fields mapped to "" (which the provider deletes), so updates are
// full rewrites and stale metadata never survives a reset.
func EncodeAccount(acct models.CreditAccount) Fields {
	return Fields{
		fieldSchemaVersion:    schemaVersion,
		fieldFreeImageCredits: strconv.Itoa(acct.FreeImageCredits),
		fieldPaidImageCredits: strconv.Itoa(acct.PaidImageCredits),
		fieldFreeVideoCredits: strconv.Itoa(acct.FreeVideoCredits),
		fieldPaidVideoCredits: strconv.Itoa(acct.PaidVideoCredits),
		fieldTotalImageGens:   strconv.Itoa(acct.TotalImageGenerations),
		fieldTotalVideoGens:   strconv.Itoa(acct.TotalVideoGenerations),
		fieldLastImageAt:      encodeTime(acct.LastImageChargeAt),
		fieldLastImagePreset:  acct.LastImagePreset,
		fieldLastVideoAt:      encodeTime(acct.LastVideoChargeAt),
		fieldLastVideoPreset:  acct.LastVideoPreset,
		fieldLastEventID:      acct.LastTopUpEventID,
		fieldLastImageEventID: acct.LastImageTopUpEventID,
		fieldLastVideoEventID: acct.LastVideoTopUpEventID,
		fieldLastHash:         acct.LastRequestHash,
		fieldLastBytes:        encodeInt64(acct.LastRequestBytes),
		// Clearing the legacy field keeps v1 readers from double counting.
		legacyFieldCredits: "",
	}
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func encodeInt64(v int64) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseInt(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
