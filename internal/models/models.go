// Package models holds the wire and domain types shared across the
// ingestion controller, dedup engine, persistence, and HTTP layers.
package models

import (
	"strings"
	"time"
)

// Mode selects which dedup discipline a job runs under.
type Mode string

const (
	ModeEntity  Mode = "entity"
	ModeCompany Mode = "company"
)

// SubdomainClass buckets a hostname's subdomain for the fuzzy matcher and
// Tier-0 key.
type SubdomainClass string

const (
	SubClsGeneric SubdomainClass = "generic"
	SubClsOther   SubdomainClass = "other"
)

// Row is the Canonical Row derived exclusively from a raw item at ingestion
// time. Raw is kept for round-tripping to subscribers and to the persisted
// item record.
type Row struct {
	RowID           string
	Name            string
	URL             string
	Host            string
	ETLD1           string
	Brand           string
	SubCls          SubdomainClass
	IsVideoPlatform bool
	NormalizedTitle string
	Raw             map[string]any
}

// NormalizedTitleOrName returns the entity-mode normalized title when set,
// falling back to the lowercased display name for rows canonicalized in
// company mode (which never populate NormalizedTitle).
func (r Row) NormalizedTitleOrName() string {
	if r.NormalizedTitle != "" {
		return r.NormalizedTitle
	}
	return strings.ToLower(r.Name)
}

// JobStatus is the per-job lifecycle state.
type JobStatus string

const (
	JobStatusActive          JobStatus = "active"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusProcessingItems JobStatus = "processing_items"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusError           JobStatus = "error"
)

// Job is the persisted and in-memory record of one ingestion run.
type Job struct {
	JobID              string           `json:"jobId"`
	OriginalQuery      string           `json:"originalQuery"`
	EntityType         string           `json:"entityType,omitempty"`
	Status             JobStatus        `json:"status"`
	TotalItems         int64            `json:"totalItems"`
	UniqueItems        int64            `json:"uniqueItems"`
	DuplicatesRejected int64            `json:"duplicatesRejected"`
	RejectionReasons   map[string]int64 `json:"rejectionReasons"`
	CreatedAt          time.Time        `json:"createdAt"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
	NextCursor         string           `json:"nextCursor,omitempty"`
}

// ItemStatus is the per-item terminal/intermediate status recorded in
// persistence.
type ItemStatus string

const (
	ItemStatusAccepted ItemStatus = "accepted"
	ItemStatusRejected ItemStatus = "rejected"
	ItemStatusPending  ItemStatus = "pending"
)

// ItemRecord is the persisted view of one raw item's outcome.
type ItemRecord struct {
	JobID            string         `json:"jobId"`
	ItemID           string         `json:"itemId"`
	Name             string         `json:"name"`
	URL              string         `json:"url"`
	Properties       map[string]any `json:"properties,omitempty"`
	RawData          map[string]any `json:"rawData,omitempty"`
	Status           ItemStatus     `json:"status"`
	RejectedBy       string         `json:"rejectedBy,omitempty"`
	RejectionReason  string         `json:"rejectionReason,omitempty"`
	RejectionDetails string         `json:"rejectionDetails,omitempty"`
	NormalizedTitle  string         `json:"normalizedTitle,omitempty"`
	Similarity       *float64       `json:"similarity,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Rejection reason taxonomy (§7). Exactly these strings are used in event
// frames and persisted counters; the history API must keep all of them
// readable even after the canonical set used by accept/reject logic
// narrows over time.
const (
	ReasonExactMatch               = "exact_match"
	ReasonFuzzyMatchLegacy         = "fuzzy_match"
	ReasonCacheHit                 = "cache_hit"
	ReasonLLMDuplicate             = "llm_duplicate"
	ReasonNearDuplicate            = "near_duplicate"
	ReasonURLNearDuplicate         = "url_near_duplicate"
	ReasonSubdomainDuplicate       = "subdomain_duplicate"
	ReasonURLResolutionDuplicate   = "url_resolution_duplicate"
	ReasonExactURLDuplicate        = "exact_url_duplicate"
	ReasonNormalizedTitleDuplicate = "normalized_title_duplicate"
	ReasonEntityFuzzyMatch         = "entity_fuzzy_match"
	ReasonEntityVeryHighSimilarity = "entity_very_high_similarity"
	ReasonEntityLLMDuplicate       = "entity_llm_duplicate"
	ReasonHighSimilarityMatch      = "high_similarity_match"
	ReasonCompanyDecision          = "company_decision"
	ReasonExactNameDuplicate       = "exact_name_duplicate"
)

// EventType enumerates the frames the broadcast bus may emit.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStatus    EventType = "status"
	EventItem      EventType = "item"
	EventPending   EventType = "pending"
	EventDrop      EventType = "drop"
	EventConfirm   EventType = "confirm"
	EventRejected  EventType = "rejected"
	EventFinished  EventType = "finished"
	EventError     EventType = "error"
)

// Event is the tagged-union wire frame delivered over SSE, modeled the same
// way the teacher's chat.Event carries one populated payload field per kind.
type Event struct {
	Type      EventType       `json:"type"`
	Connected *ConnectedEvent `json:"-"`
	Status    *StatusEvent    `json:"-"`
	Item      map[string]any  `json:"-"`
	TmpID     string          `json:"-"`
	Confirm   map[string]any  `json:"-"`
	Rejected  *RejectedEvent  `json:"-"`
	Finished  *FinishedEvent  `json:"-"`
	Error     string          `json:"-"`
}

type ConnectedEvent struct {
	WebsetID string `json:"websetId"`
}

type StatusEvent struct {
	Status    string `json:"status"`
	ItemCount *int   `json:"itemCount,omitempty"`
}

type RejectedEvent struct {
	Item         map[string]any `json:"item"`
	Reason       string         `json:"reason"`
	Details      string         `json:"details"`
	ExistingItem string         `json:"existingItem,omitempty"`
}

type FinishedEvent struct {
	Status     string `json:"status"`
	TotalItems int64  `json:"totalItems"`
}

// MarshalJSON renders the populated payload field flattened alongside the
// type tag, matching the wire shapes of §6 (each event is one flat JSON
// object, not an envelope around a nested payload).
func (e Event) MarshalJSON() ([]byte, error) {
	base := map[string]any{"type": string(e.Type)}
	switch e.Type {
	case EventConnected:
		if e.Connected != nil {
			base["websetId"] = e.Connected.WebsetID
		}
	case EventStatus:
		if e.Status != nil {
			base["status"] = e.Status.Status
			if e.Status.ItemCount != nil {
				base["itemCount"] = *e.Status.ItemCount
			}
		}
	case EventItem:
		base["item"] = e.Item
	case EventPending:
		base["tmpId"] = e.TmpID
	case EventDrop:
		base["tmpId"] = e.TmpID
	case EventConfirm:
		base["data"] = e.Confirm
	case EventRejected:
		if e.Rejected != nil {
			base["item"] = e.Rejected.Item
			base["reason"] = e.Rejected.Reason
			base["details"] = e.Rejected.Details
			if e.Rejected.ExistingItem != "" {
				base["existingItem"] = e.Rejected.ExistingItem
			}
		}
	case EventFinished:
		if e.Finished != nil {
			base["status"] = e.Finished.Status
			base["totalItems"] = e.Finished.TotalItems
		}
	case EventError:
		base["error"] = e.Error
	}
	return jsonMarshal(base)
}

// CandidateRef is a lightweight reference to an accepted row carried inside a
// pending decision's candidate list.
type CandidateRef struct {
	ID    string
	Name  string
	URL   string
	Brand string
	ETLD1 string
}

// PairDecision, EntityDecision, and CompanyDecision are the three tagged
// variants of a Pending Decision (§3). Decision is satisfied by all three;
// the adjudicator dispatches on concrete type to build prompts and to map
// verdicts back to accept/drop.
type Decision interface {
	JobIdent() string
	HostPairKey() (string, bool)
}

type PairDecision struct {
	IDA, NameA, URLA string
	IDB, NameB, URLB string
	JobID            string
	RawA             map[string]any
}

func (d PairDecision) JobIdent() string { return d.JobID }
func (d PairDecision) HostPairKey() (string, bool) {
	return sortedHostPair(hostOf(d.URLA), hostOf(d.URLB))
}

type EntityDecision struct {
	IDNew, NameNew, URLNew string
	Candidates             []CandidateRef
	JobID                  string
	RawNew                 map[string]any
}

func (d EntityDecision) JobIdent() string { return d.JobID }
func (d EntityDecision) HostPairKey() (string, bool) {
	if len(d.Candidates) != 1 {
		return "", false
	}
	return sortedHostPair(hostOf(d.URLNew), hostOf(d.Candidates[0].URL))
}

type CompanyDecision struct {
	IDNew, NameNew, URLNew, BrandNew, ETLD1New string
	Candidates                                 []CandidateRef
	JobID                                      string
	RawNew                                     map[string]any
}

func (d CompanyDecision) JobIdent() string { return d.JobID }
func (d CompanyDecision) HostPairKey() (string, bool) {
	if len(d.Candidates) != 1 {
		return "", false
	}
	return sortedHostPair(hostOf(d.URLNew), hostOf(d.Candidates[0].URL))
}

// Verdict is the adjudicator's answer to one queued Decision.
type Verdict struct {
	Duplicate bool
}
