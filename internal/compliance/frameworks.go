package compliance

import (
	"strings"
	"time"

	"carenotes/internal/audit/models"
	dErrors "carenotes/pkg/domain-errors"
)

// Framework is a regulatory regime a report is produced for.
type Framework string

const (
	FrameworkGDPR    Framework = "GDPR"
	FrameworkCQC     Framework = "CQC"
	FrameworkHIPAA   Framework = "HIPAA"
	FrameworkNHSDSPT Framework = "NHS_DSPT"
)

// Frameworks lists the supported frameworks in display order.
var Frameworks = []Framework{FrameworkGDPR, FrameworkCQC, FrameworkHIPAA, FrameworkNHSDSPT}

// ParseFramework accepts any casing and "-" for "_" ("nhs-dspt").
func ParseFramework(s string) (Framework, error) {
	f := Framework(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	if _, ok := ruleSets[f]; !ok {
		return "", dErrors.New(dErrors.CodeValidation, "framework must be one of GDPR, CQC, HIPAA, NHS_DSPT")
	}
	return f, nil
}

// Resource categories used by the rule sets. Domain modules record events
// under these names; acknowledgment state travels in details["status"].
const (
	ResourceResident           = "Resident"
	ResourceCarePlan           = "CarePlan"
	ResourceCareUpdate         = "CareUpdate"
	ResourceMedication         = "Medication"
	ResourceConsent            = "Consent"
	ResourceIncident           = "Incident"
	ResourceSecurityIncident   = "SecurityIncident"
	ResourceSubjectRequest     = "DataSubjectRequest"
	ResourceFamilyMessage      = "FamilyMessage"
	ResourceMedicationOmission = "MedicationOmission"
)

var clinicalRecords = []string{ResourceResident, ResourceCarePlan, ResourceCareUpdate, ResourceMedication}

func chainIntegrity() RuleSpec {
	return RuleSpec{Key: "chain_integrity", Title: "Audit trail integrity", Kind: KindChainIntegrity}
}

func afterHoursAccess(key, title string) RuleSpec {
	return RuleSpec{
		Key:       key,
		Title:     title,
		Kind:      KindTimeWindow,
		Match:     Matcher{Resources: clinicalRecords, Actions: []models.Action{models.ActionRead}},
		StartHour: 7,
		EndHour:   20,
	}
}

func acknowledged(resource string, status string) Matcher {
	return Matcher{
		Resources: []string{resource},
		Actions:   []models.Action{models.ActionUpdate},
		Details:   map[string]string{"status": status},
	}
}

var ruleSets = map[Framework][]RuleSpec{
	FrameworkGDPR: {
		{
			Key:   "personal_data_access",
			Title: "Access to personal data",
			Kind:  KindCounter,
			Match: Matcher{Resources: clinicalRecords, Actions: []models.Action{models.ActionRead}},
		},
		{
			Key:   "consent_withdrawals",
			Title: "Consent withdrawals",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{ResourceConsent}, Details: map[string]string{"status": "withdrawn"}},
		},
		{
			Key:    "subject_requests_answered",
			Title:  "Data subject requests answered within one month",
			Kind:   KindPairing,
			Match:  Matcher{Resources: []string{ResourceSubjectRequest}, Actions: []models.Action{models.ActionCreate}},
			Ack:    acknowledged(ResourceSubjectRequest, "completed"),
			Window: 30 * 24 * time.Hour,
		},
		{
			Key:   "data_exports",
			Title: "Audit data exports",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{models.ResourceAuditExport}},
		},
		{
			Key:   "retention_purges",
			Title: "Retention purges",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{models.ResourceAuditRetention}},
		},
		chainIntegrity(),
	},
	FrameworkCQC: {
		{
			Key:   "care_plan_changes",
			Title: "Care plan reviews and changes",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{ResourceCarePlan}, Actions: []models.Action{models.ActionCreate, models.ActionUpdate}},
		},
		{
			Key:   "medication_administration",
			Title: "Medication administration records",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{ResourceMedication}, Actions: []models.Action{models.ActionCreate}},
		},
		{
			Key:   "medication_omissions",
			Title: "Missed or omitted medication",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{ResourceMedicationOmission}},
		},
		{
			Key:    "incidents_acknowledged",
			Title:  "Incidents acknowledged within 24 hours",
			Kind:   KindPairing,
			Match:  Matcher{Resources: []string{ResourceIncident}, Actions: []models.Action{models.ActionCreate}},
			Ack:    acknowledged(ResourceIncident, "acknowledged"),
			Window: 24 * time.Hour,
		},
		afterHoursAccess("after_hours_access", "Record access outside working hours"),
		chainIntegrity(),
	},
	FrameworkHIPAA: {
		{
			Key:   "phi_access",
			Title: "Access to protected health information",
			Kind:  KindCounter,
			Match: Matcher{Resources: clinicalRecords, Actions: []models.Action{models.ActionRead}},
		},
		{
			Key:   "phi_disclosures",
			Title: "Disclosures by export",
			Kind:  KindCounter,
			Match: Matcher{Resources: []string{models.ResourceAuditExport}},
		},
		{
			Key:    "breach_notifications",
			Title:  "Breaches notified within 60 days",
			Kind:   KindPairing,
			Match:  Matcher{Resources: []string{ResourceSecurityIncident}, Actions: []models.Action{models.ActionCreate}},
			Ack:    acknowledged(ResourceSecurityIncident, "notified"),
			Window: 60 * 24 * time.Hour,
		},
		afterHoursAccess("after_hours_phi_access", "PHI access outside working hours"),
		chainIntegrity(),
	},
	FrameworkNHSDSPT: {
		{
			Key:   "record_access",
			Title: "Care record access",
			Kind:  KindCounter,
			Match: Matcher{Resources: clinicalRecords, Actions: []models.Action{models.ActionRead}},
		},
		{
			Key:    "security_incidents_reported",
			Title:  "Data security incidents reported within 72 hours",
			Kind:   KindPairing,
			Match:  Matcher{Resources: []string{ResourceSecurityIncident}, Actions: []models.Action{models.ActionCreate}},
			Ack:    acknowledged(ResourceSecurityIncident, "reported"),
			Window: 72 * time.Hour,
		},
		{
			Key:    "family_messages_acknowledged",
			Title:  "Family portal messages acknowledged within 48 hours",
			Kind:   KindPairing,
			Match:  Matcher{Resources: []string{ResourceFamilyMessage}, Actions: []models.Action{models.ActionCreate}},
			Ack:    acknowledged(ResourceFamilyMessage, "acknowledged"),
			Window: 48 * time.Hour,
		},
		afterHoursAccess("after_hours_access", "Record access outside working hours"),
		chainIntegrity(),
	},
}

// Rules returns the rule set for f.
func Rules(f Framework) []RuleSpec {
	return ruleSets[f]
}
