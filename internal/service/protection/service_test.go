package protection_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/access"
	"github.com/dataguardlabs/dataguard/internal/crypto"
	"github.com/dataguardlabs/dataguard/internal/dlp"
	"github.com/dataguardlabs/dataguard/internal/domain/audit"
	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/domain/rule"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/memory"
	"github.com/dataguardlabs/dataguard/internal/retention"
	"github.com/dataguardlabs/dataguard/internal/service/protection"
)

type fixture struct {
	svc    *protection.Service
	store  *memory.Store
	engine *dlp.Engine
	vault  *crypto.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	vault, err := crypto.New(crypto.Config{
		MasterSecrets:     map[string][]byte{"mk-1": []byte("fixture-master-secret")},
		ActiveMasterKeyID: "mk-1",
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	store := memory.NewStore()
	engine := dlp.NewEngine(store, logger)

	svc := protection.NewService(store, vault, engine, access.NewController(logger),
		protection.Config{
			RetentionDays: map[record.Classification]int{
				record.ClassificationRestricted: 3650,
			},
			DefaultRetentionDays: 90,
		}, logger)

	return &fixture{svc: svc, store: store, engine: engine, vault: vault}
}

func (f *fixture) withService(t *testing.T, vaultCfg crypto.Config) *protection.Service {
	t.Helper()
	vault, err := crypto.New(vaultCfg)
	require.NoError(t, err)
	logger := zap.NewNop()
	return protection.NewService(f.store, vault, f.engine, access.NewController(logger),
		protection.Config{DefaultRetentionDays: 90}, logger)
}

func (f *fixture) addRule(t *testing.T, name, pattern string, patternType rule.PatternType, action rule.Action) *rule.DLPRule {
	t.Helper()
	r, err := rule.NewDLPRule(name, pattern, patternType, action,
		[]record.Classification{
			record.ClassificationConfidential,
			record.ClassificationRestricted,
		}, rule.SeverityHigh, rule.ScopeGlobal, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.Create(context.Background(), r))
	return r
}

func eventTypes(events []*audit.Event) []audit.EventType {
	out := make([]audit.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestSubmitAndRetrieve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plaintext := []byte("quarterly results draft")

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, plaintext, "document", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "", result.RecordID.String())
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 90), result.RetentionExpiry, 5*time.Second)

	got, err := f.svc.Retrieve(ctx, result.RecordID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Stored ciphertext never contains the plaintext.
	rec, err := f.store.GetRecord(ctx, result.RecordID)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Ciphertext), string(plaintext))
	assert.Equal(t, crypto.IntegrityHash(plaintext), rec.IntegrityHash)

	events, err := f.svc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{audit.EventRecordCreated, audit.EventRecordAccessed}, eventTypes(events))
	assert.True(t, audit.VerifyChain(events).IsValid)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		ownerID        string
		classification record.Classification
		plaintext      []byte
		dataType       string
	}{
		{"missing owner", "", record.ClassificationInternal, []byte("x"), "document"},
		{"missing data type", "owner-1", record.ClassificationInternal, []byte("x"), ""},
		{"bad classification", "owner-1", "ultra", []byte("x"), "document"},
		{"empty plaintext", "owner-1", record.ClassificationInternal, nil, "document"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.ownerID, tt.classification, tt.plaintext, tt.dataType, nil)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestSubmitBlockedByRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocker := f.addRule(t, "no card numbers", "", rule.PatternBuiltinCreditCard, rule.ActionBlock)

	_, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential,
		[]byte("customer card 4111-1111-1111-1111"), "document", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDLPBlocked))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, blocker.ID.String(), appErr.Details["rule_id"])

	// The block left no record behind but did count against the rule.
	records, listErr := f.store.ListRecords(ctx)
	require.NoError(t, listErr)
	assert.Empty(t, records)

	stored, err := f.store.GetRule(ctx, blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Statistics.BlockedCount)
	assert.Equal(t, int64(1), stored.Statistics.TotalMatches)
}

func TestSubmitWarnStoresAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	warner := f.addRule(t, "flag ssn", "", rule.PatternBuiltinSSN, rule.ActionWarn)

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential,
		[]byte("applicant ssn 123-45-6789"), "application", nil)
	require.NoError(t, err)

	_, err = f.store.GetRecord(ctx, result.RecordID)
	require.NoError(t, err)

	stored, err := f.store.GetRule(ctx, warner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Statistics.WarnedCount)
	assert.Zero(t, stored.Statistics.BlockedCount)
}

func TestSubmitConcurrentWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	warner := f.addRule(t, "flag internal memos", "internal memo", rule.PatternKeyword, rule.ActionWarn)

	const submitters = 2
	var wg sync.WaitGroup
	wg.Add(submitters)
	for i := 0; i < submitters; i++ {
		payload := []byte(fmt.Sprintf("internal memo draft %d", i))
		owner := fmt.Sprintf("owner-%d", i)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, owner, record.ClassificationConfidential, payload, "memo", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.store.GetRule(ctx, warner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(submitters), stored.Statistics.WarnedCount)

	records, err := f.store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, submitters)
}

func TestSubmitDuplicateContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plaintext := []byte("unique payload")

	first, err := f.svc.Submit(ctx, "owner-1", record.ClassificationInternal, plaintext, "document", nil)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "owner-1", record.ClassificationInternal, plaintext, "document", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, first.RecordID.String(), appErr.Details["existing_record_id"])

	// A different owner may store the same content.
	_, err = f.svc.Submit(ctx, "owner-2", record.ClassificationInternal, plaintext, "document", nil)
	require.NoError(t, err)

	// Soft-deleting the original frees the content for resubmission.
	require.NoError(t, f.svc.SoftDelete(ctx, first.RecordID, "owner-1"))
	_, err = f.svc.Submit(ctx, "owner-1", record.ClassificationInternal, plaintext, "document", nil)
	require.NoError(t, err)
}

func TestRetrieveDeniedIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, []byte("private"), "document", nil)
	require.NoError(t, err)

	_, err = f.svc.Retrieve(ctx, result.RecordID, "intruder", dlp.Context{"ip": "203.0.113.9"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
	assert.True(t, errors.IsSecurityEvent(err))

	events, err := f.svc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	denial := events[1]
	assert.Equal(t, audit.EventAccessDenied, denial.Type)
	assert.Equal(t, audit.OutcomeDenied, denial.Outcome)
	assert.Equal(t, "intruder", denial.ActorID)
	assert.Equal(t, "203.0.113.9", denial.Context["ip"])
	assert.True(t, audit.VerifyChain(events).IsValid)
}

func TestRetrieveUnknownRecord(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Retrieve(context.Background(), uuid.New(), "owner-1", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestShareAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plaintext := []byte("shared report")

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, plaintext, "report", nil)
	require.NoError(t, err)

	// Before any grant the colleague is denied.
	_, err = f.svc.Retrieve(ctx, result.RecordID, "colleague", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))

	expiry := time.Now().UTC().Add(time.Hour)
	require.NoError(t, f.svc.Share(ctx, result.RecordID, "owner-1", "colleague",
		[]record.Permission{record.PermissionRead}, &expiry))

	got, err := f.svc.Retrieve(ctx, result.RecordID, "colleague", nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Revocation is immediate and leaves other grantees untouched.
	require.NoError(t, f.svc.Share(ctx, result.RecordID, "owner-1", "auditor",
		[]record.Permission{record.PermissionRead}, nil))
	require.NoError(t, f.svc.Revoke(ctx, result.RecordID, "owner-1", "colleague"))

	_, err = f.svc.Retrieve(ctx, result.RecordID, "colleague", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
	_, err = f.svc.Retrieve(ctx, result.RecordID, "auditor", nil)
	require.NoError(t, err)

	// Revoking again is a no-op, not an error.
	require.NoError(t, f.svc.Revoke(ctx, result.RecordID, "owner-1", "colleague"))
}

func TestShareExpiredGrantDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, []byte("timed"), "document", nil)
	require.NoError(t, err)

	expiry := time.Now().UTC().Add(30 * time.Millisecond)
	require.NoError(t, f.svc.Share(ctx, result.RecordID, "owner-1", "contractor",
		[]record.Permission{record.PermissionRead}, &expiry))

	_, err = f.svc.Retrieve(ctx, result.RecordID, "contractor", nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = f.svc.Retrieve(ctx, result.RecordID, "contractor", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))

	// The post-expiry attempt is on the audit trail.
	events, err := f.svc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, audit.EventAccessDenied, events[len(events)-1].Type)
}

func TestShareNonOwnerDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, []byte("mine"), "document", nil)
	require.NoError(t, err)

	err = f.svc.Share(ctx, result.RecordID, "usurper", "friend", []record.Permission{record.PermissionRead}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))

	events, err := f.svc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, audit.EventAccessDenied, events[len(events)-1].Type)

	// A grantee with read but not share cannot grant either.
	require.NoError(t, f.svc.Share(ctx, result.RecordID, "owner-1", "reader",
		[]record.Permission{record.PermissionRead}, nil))
	err = f.svc.Share(ctx, result.RecordID, "reader", "friend", []record.Permission{record.PermissionRead}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
}

func TestConcurrentSharesAllSurvive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, []byte("popular"), "document", nil)
	require.NoError(t, err)

	const grantees = 10
	var wg sync.WaitGroup
	wg.Add(grantees)
	for i := 0; i < grantees; i++ {
		granteeID := fmt.Sprintf("grantee-%d", i)
		go func() {
			defer wg.Done()
			err := f.svc.Share(ctx, result.RecordID, "owner-1", granteeID,
				[]record.Permission{record.PermissionRead}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := f.store.GetRecord(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Len(t, rec.Grants, grantees)

	for i := 0; i < grantees; i++ {
		_, err := f.svc.Retrieve(ctx, result.RecordID, fmt.Sprintf("grantee-%d", i), nil)
		assert.NoError(t, err)
	}
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, []byte("ephemeral"), "document", nil)
	require.NoError(t, err)

	// Read-only grantees cannot delete.
	require.NoError(t, f.svc.Share(ctx, result.RecordID, "owner-1", "reader",
		[]record.Permission{record.PermissionRead}, nil))
	err = f.svc.SoftDelete(ctx, result.RecordID, "reader")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))

	require.NoError(t, f.svc.SoftDelete(ctx, result.RecordID, "owner-1"))

	// Deleted records read as not found, for the owner too.
	_, err = f.svc.Retrieve(ctx, result.RecordID, "owner-1", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = f.svc.SoftDelete(ctx, result.RecordID, "owner-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	// Ciphertext and audit trail survive the delete.
	rec, err := f.store.GetRecord(ctx, result.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted)
	assert.NotEmpty(t, rec.Ciphertext)

	events, err := f.svc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(events), audit.EventRecordDeleted)
	assert.True(t, audit.VerifyChain(events).IsValid)
}

func TestReseal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plaintext := []byte("payload worth resealing")

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationConfidential, plaintext, "document", nil)
	require.NoError(t, err)

	_, err = f.svc.Reseal(ctx, result.RecordID, "pretender")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))

	next, err := f.svc.Reseal(ctx, result.RecordID, "owner-1")
	require.NoError(t, err)
	assert.NotEqual(t, result.RecordID, next.RecordID)

	// Old record retired, new one readable with identical plaintext.
	_, err = f.svc.Retrieve(ctx, result.RecordID, "owner-1", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	got, err := f.svc.Retrieve(ctx, next.RecordID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// The replacement references its predecessor in its creation event.
	events, err := f.svc.Events(ctx, next.RecordID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, result.RecordID.String(), events[0].Context["replaces_record_id"])
}

func TestRotateMasterKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plaintext := []byte("long lived payload")

	result, err := f.svc.Submit(ctx, "owner-1", record.ClassificationRestricted, plaintext, "archive", nil)
	require.NoError(t, err)

	// A second service over the same store, now with mk-2 active and mk-1
	// still resolvable, as after a config rollout.
	rotatedSvc := f.withService(t, crypto.Config{
		MasterSecrets: map[string][]byte{
			"mk-1": []byte("fixture-master-secret"),
			"mk-2": []byte("fixture-master-secret-v2"),
		},
		ActiveMasterKeyID: "mk-2",
	})

	// Old records stay readable before any rewrap.
	got, err := rotatedSvc.Retrieve(ctx, result.RecordID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	rotated, err := rotatedSvc.RotateMasterKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)

	rec, err := f.store.GetRecord(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "mk-2", rec.MasterKeyID)

	got, err = rotatedSvc.Retrieve(ctx, result.RecordID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Idempotent: everything already on the active key.
	rotated, err = rotatedSvc.RotateMasterKey(ctx)
	require.NoError(t, err)
	assert.Zero(t, rotated)

	events, err := rotatedSvc.Events(ctx, result.RecordID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(events), audit.EventMasterKeyRotated)
	assert.True(t, audit.VerifyChain(events).IsValid)
}

func TestEvaluateRulePreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.addRule(t, "probe", "", rule.PatternBuiltinEmail, rule.ActionWarn)

	preview, err := f.svc.EvaluateRule(ctx, r.ID, "contact ops@example.com", nil)
	require.NoError(t, err)
	assert.True(t, preview.PatternMatched)
	assert.True(t, preview.WouldFire)
	assert.Equal(t, rule.ActionWarn, preview.Action)

	// Pure preview: no statistics moved.
	stored, err := f.store.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Statistics.TotalMatches)

	_, err = f.svc.EvaluateRule(ctx, uuid.New(), "x", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRetentionReporting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	restricted, err := f.svc.Submit(ctx, "owner-1", record.ClassificationRestricted, []byte("keep long"), "archive", nil)
	require.NoError(t, err)
	internal, err := f.svc.Submit(ctx, "owner-1", record.ClassificationInternal, []byte("keep short"), "note", nil)
	require.NoError(t, err)

	// Restricted uses its configured 3650 days, internal the 90 day default.
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 3650), restricted.RetentionExpiry, 5*time.Second)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 90), internal.RetentionExpiry, 5*time.Second)

	status, err := f.svc.RetentionStatus(ctx, restricted.RecordID)
	require.NoError(t, err)
	assert.Equal(t, retention.StatusActive, status)

	report, err := f.svc.RetentionReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Active)

	require.NoError(t, f.svc.SoftDelete(ctx, internal.RecordID, "owner-1"))
	report, err = f.svc.RetentionReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
}

func TestScopedRulesSeeInjectedContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// User-scoped rule keyed on the owner id the service injects.
	r, err := rule.NewDLPRule("watchlisted owner", "export", rule.PatternKeyword, rule.ActionBlock,
		[]record.Classification{record.ClassificationConfidential},
		rule.SeverityCritical, rule.ScopeUser, "owner-7")
	require.NoError(t, err)
	require.NoError(t, f.engine.Create(ctx, r))

	_, err = f.svc.Submit(ctx, "owner-7", record.ClassificationConfidential, []byte("export batch"), "document", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDLPBlocked))

	_, err = f.svc.Submit(ctx, "owner-8", record.ClassificationConfidential, []byte("export batch"), "document", nil)
	require.NoError(t, err)

	// Caller-supplied context values are not overridden by injection.
	dtRule, err := rule.NewDLPRule("tagged payloads", "export", rule.PatternKeyword, rule.ActionBlock,
		[]record.Classification{record.ClassificationConfidential},
		rule.SeverityCritical, rule.ScopeDataType, "payroll")
	require.NoError(t, err)
	require.NoError(t, f.engine.Create(ctx, dtRule))

	_, err = f.svc.Submit(ctx, "owner-9", record.ClassificationConfidential, []byte("export run"), "document",
		dlp.Context{dlp.ContextFieldDataType: "payroll"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeDLPBlocked))
}
