// Package retention computes and reports retention expiry for protected
// records. Reporting only: reaching expiry never auto-purges; purge is a
// separately authorized operation outside this engine.
package retention

import (
	"time"

	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

// Status is a record's position in its retention window.
type Status string

const (
	StatusActive       Status = "active"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
)

// ExpiringSoonWindow is how close to expiry a record is reported as
// expiring_soon.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// ComputeExpiry derives the retention expiry from the creation time. It is
// computed exactly once at record creation and immutable thereafter.
func ComputeExpiry(createdAt time.Time, retentionPeriodDays int) time.Time {
	return createdAt.AddDate(0, 0, retentionPeriodDays)
}

// StatusOf reports the record's retention status at now.
func StatusOf(rec *record.ProtectedRecord, now time.Time) Status {
	switch {
	case !now.Before(rec.RetentionExpiry):
		return StatusExpired
	case rec.RetentionExpiry.Sub(now) <= ExpiringSoonWindow:
		return StatusExpiringSoon
	default:
		return StatusActive
	}
}

// Report summarises retention status over a set of records.
type Report struct {
	Total        int       `json:"total"`
	Active       int       `json:"active"`
	ExpiringSoon int       `json:"expiring_soon"`
	Expired      int       `json:"expired"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// BuildReport counts records per status at now. Soft-deleted records are
// excluded; their retention clock stopped mattering with the delete.
func BuildReport(records []*record.ProtectedRecord, now time.Time) *Report {
	report := &Report{GeneratedAt: now}
	for _, rec := range records {
		if rec.IsDeleted {
			continue
		}
		report.Total++
		switch StatusOf(rec, now) {
		case StatusActive:
			report.Active++
		case StatusExpiringSoon:
			report.ExpiringSoon++
		case StatusExpired:
			report.Expired++
		}
	}
	return report
}
