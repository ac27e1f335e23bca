package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModelType is the category of computation an artifact came from.
type ModelType string

const (
	ModelTypeForecast       ModelType = "forecast"
	ModelTypeOptimization   ModelType = "optimization"
	ModelTypeWorkingCapital ModelType = "working_capital"
)

// ModelTypes lists every type the registry accepts.
var ModelTypes = []ModelType{
	ModelTypeForecast,
	ModelTypeOptimization,
	ModelTypeWorkingCapital,
}

func (t ModelType) Valid() bool {
	for _, known := range ModelTypes {
		if t == known {
			return true
		}
	}
	return false
}

type ArtifactStatus string

const (
	ArtifactStatusActive   ArtifactStatus = "ACTIVE"
	ArtifactStatusArchived ArtifactStatus = "ARCHIVED"
)

// Scope narrows an artifact or baseline to a business unit. Nil fields mean global.
type Scope struct {
	EntityID *string `json:"entityId"`
	Region   *string `json:"region"`
}

// NewScope builds a scope from possibly-empty strings; empty means unset.
func NewScope(entityID, region string) Scope {
	var s Scope
	if entityID != "" {
		s.EntityID = &entityID
	}
	if region != "" {
		s.Region = &region
	}
	return s
}

func (s Scope) Equal(other Scope) bool {
	return equalPtr(s.EntityID, other.EntityID) && equalPtr(s.Region, other.Region)
}

// Key is a stable string form of the scope, used for partition keys and log fields.
func (s Scope) Key() string {
	return fmt.Sprintf("%s/%s", deref(s.EntityID, "*"), deref(s.Region, "*"))
}

func (s Scope) String() string { return s.Key() }

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

type ModelArtifact struct {
	ID               uuid.UUID          `json:"id"`
	Type             ModelType          `json:"type"`
	Scope            Scope              `json:"scope"`
	Metrics          map[string]float64 `json:"metrics"`
	Params           map[string]any     `json:"params"`
	ArtifactLocation string             `json:"artifactLocation"`
	Status           ArtifactStatus     `json:"status"`
	Version          string             `json:"version"`
	CreatedBy        string             `json:"createdBy"`
	CreatedAt        time.Time          `json:"createdAt"`
}

type ModelBaseline struct {
	ID         uuid.UUID     `json:"id"`
	Type       ModelType     `json:"type"`
	Scope      Scope         `json:"scope"`
	ActiveFrom time.Time     `json:"activeFrom"`
	ActiveTo   *time.Time    `json:"activeTo"`
	ArtifactID uuid.UUID     `json:"artifactId"`
	ApproverID *string       `json:"approverId,omitempty"`
	ApprovedAt *time.Time    `json:"approvedAt,omitempty"`
	Notes      string        `json:"notes"`
	Snapshot   DeltaSnapshot `json:"snapshot"`
}

// Open reports whether the baseline is the currently active row of its scope.
func (b ModelBaseline) Open() bool { return b.ActiveTo == nil }

// BaselineWithArtifact is a history row joined with its bound artifact.
type BaselineWithArtifact struct {
	ModelBaseline
	Artifact ModelArtifact `json:"artifact"`
}

type MetricDelta struct {
	Current      float64  `json:"current"`
	Proposed     float64  `json:"proposed"`
	Delta        float64  `json:"delta"`
	DeltaPercent *float64 `json:"deltaPercent"`
}

// DeltaSnapshot is the frozen current-vs-proposed comparison stored with a baseline.
type DeltaSnapshot struct {
	CurrentBaselineID  *uuid.UUID             `json:"currentBaselineId,omitempty"`
	CurrentArtifactID  *uuid.UUID             `json:"currentArtifactId,omitempty"`
	ProposedArtifactID uuid.UUID              `json:"proposedArtifactId"`
	Metrics            map[string]MetricDelta `json:"metrics,omitempty"`
	Rollback           bool                   `json:"rollback,omitempty"`
	TargetBaselineID   *uuid.UUID             `json:"targetBaseline,omitempty"`
	Reason             string                 `json:"reason,omitempty"`
}

type ProposalStatus string

const (
	ProposalStatusPending ProposalStatus = "PENDING_APPROVAL"
	ProposalStatusApplied ProposalStatus = "APPLIED"
)

type ChangeProposal struct {
	ID               uuid.UUID      `json:"id"`
	Type             ModelType      `json:"type"`
	ArtifactID       uuid.UUID      `json:"artifactId"`
	Scope            Scope          `json:"scope"`
	Snapshot         DeltaSnapshot  `json:"snapshot"`
	RequiresApproval bool           `json:"requiresApproval"`
	Status           ProposalStatus `json:"status"`
	RequestedBy      string         `json:"requestedBy"`
	Notes            string         `json:"notes,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	AppliedAt        *time.Time     `json:"appliedAt,omitempty"`
	BaselineID       *uuid.UUID     `json:"baselineId,omitempty"`
}

const AuditActionBaselineChange = "baseline_change"

type AuditRecord struct {
	ID         uuid.UUID      `json:"id"`
	Action     string         `json:"action"`
	ArtifactID uuid.UUID      `json:"artifactId"`
	BaselineID uuid.UUID      `json:"baselineId"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail"`
	Hash       string         `json:"hash"`
	Signature  string         `json:"signature"`
	SignerID   string         `json:"signerId"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// ChangeEvent is relayed to the observability pipeline after an activation commits.
type ChangeEvent struct {
	ID                 uuid.UUID  `json:"id"`
	Type               ModelType  `json:"type"`
	Scope              Scope      `json:"scope"`
	PreviousArtifactID *uuid.UUID `json:"previousArtifactId"`
	NewArtifactID      uuid.UUID  `json:"newArtifactId"`
	PreviousBaselineID *uuid.UUID `json:"previousBaselineId"`
	NewBaselineID      uuid.UUID  `json:"newBaselineId"`
	OccurredAt         time.Time  `json:"occurredAt"`
}

type ArtifactSummary struct {
	ID               uuid.UUID          `json:"id"`
	Version          string             `json:"version"`
	Status           ArtifactStatus     `json:"status"`
	ArtifactLocation string             `json:"artifactLocation"`
	Metrics          map[string]float64 `json:"metrics"`
	CreatedBy        string             `json:"createdBy"`
	CreatedAt        time.Time          `json:"createdAt"`
}

type Approval struct {
	ApproverID *string    `json:"approverId"`
	ApprovedAt *time.Time `json:"approvedAt"`
	Notes      string     `json:"notes"`
}

// ChangeNote is the compliance export of one baseline change.
type ChangeNote struct {
	BaselineID  uuid.UUID       `json:"baselineId"`
	Type        ModelType       `json:"type"`
	Scope       Scope           `json:"scope"`
	ActiveFrom  time.Time       `json:"activeFrom"`
	ActiveTo    *time.Time      `json:"activeTo"`
	Artifact    ArtifactSummary `json:"artifact"`
	Approval    Approval        `json:"approval"`
	Snapshot    DeltaSnapshot   `json:"snapshot"`
	Audit       []AuditRecord   `json:"audit"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// TrendPoint is one artifact's metrics on the performance trend.
type TrendPoint struct {
	Date       time.Time          `json:"date"`
	ArtifactID uuid.UUID          `json:"artifactId"`
	Version    string             `json:"version"`
	Metrics    map[string]float64 `json:"metrics"`
}
