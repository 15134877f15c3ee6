// Package ln defines the Lightning Network entities shared across the
// platform. Entities carry ids, not pointers; adjacency is derived by
// lookup.
package ln

import "time"

// FeeStats summarizes a node's advertised fee posture.
type FeeStats struct {
	MedianBaseFeeMsat int64   `json:"median_base_fee_msat"`
	MedianFeeRatePPM  int64   `json:"median_fee_rate_ppm"`
	RevenueMsat30d    int64   `json:"revenue_msat_30d"`
	AvgFeeRatePPM     float64 `json:"avg_fee_rate_ppm"`
}

// NodeSnapshot is a point-in-time observation of a node. Written only by
// ingestion; read-only elsewhere.
type NodeSnapshot struct {
	NodePubkey         string    `json:"node_pubkey" db:"node_pubkey"`
	CapturedAt         time.Time `json:"captured_at" db:"captured_at"`
	CapacitySat        int64     `json:"capacity_sat" db:"capacity_sat"`
	NumChannelsActive  int       `json:"num_channels_active" db:"num_channels_active"`
	NumChannelsTotal   int       `json:"num_channels_total" db:"num_channels_total"`
	LocalBalanceSat    int64     `json:"local_balance_sat" db:"local_balance_sat"`
	RemoteBalanceSat   int64     `json:"remote_balance_sat" db:"remote_balance_sat"`
	CentralityScore    float64   `json:"centrality_score" db:"centrality_score"`
	RoutingSuccessRate float64   `json:"routing_success_rate" db:"routing_success_rate"`
	ReputationScore    float64   `json:"reputation_score" db:"reputation_score"`
	UptimeRatio        float64   `json:"uptime_ratio" db:"uptime_ratio"`
	FeeStats           FeeStats  `json:"fee_stats"`
}

// Valid checks the snapshot invariants.
func (s NodeSnapshot) Valid() bool {
	if s.LocalBalanceSat+s.RemoteBalanceSat > s.CapacitySat {
		return false
	}
	if s.NumChannelsActive > s.NumChannelsTotal {
		return false
	}
	return unit(s.CentralityScore) && unit(s.RoutingSuccessRate) &&
		unit(s.ReputationScore) && unit(s.UptimeRatio)
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// ChannelPolicy is the forwarding policy of one channel direction.
type ChannelPolicy struct {
	BaseFeeMsat   int64 `json:"base_fee_msat"`
	FeeRatePPM    int64 `json:"fee_rate_ppm"`
	TimeLockDelta int   `json:"time_lock_delta"`
}

// ChannelState is the observed state of a single channel.
type ChannelState struct {
	ChannelID       string        `json:"channel_id"`
	NodePubkey      string        `json:"node_pubkey"`
	PeerPubkey      string        `json:"peer_pubkey"`
	CapacitySat     int64         `json:"capacity_sat"`
	LocalBalanceSat int64         `json:"local_balance_sat"`
	Active          bool          `json:"active"`
	Policy          ChannelPolicy `json:"policy"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
}

// LocalRatio returns the local share of channel capacity in [0,1].
func (c ChannelState) LocalRatio() float64 {
	if c.CapacitySat <= 0 {
		return 0
	}
	return float64(c.LocalBalanceSat) / float64(c.CapacitySat)
}

// DecisionType enumerates operator actions.
type DecisionType string

const (
	DecisionOpenChannel  DecisionType = "open_channel"
	DecisionCloseChannel DecisionType = "close_channel"
	DecisionUpdateFee    DecisionType = "update_fee"
	DecisionRebalance    DecisionType = "rebalance"
	DecisionNoop         DecisionType = "noop"
)

// DecisionStatus is the decision lifecycle state.
type DecisionStatus string

const (
	StatusPending    DecisionStatus = "pending"
	StatusApplied    DecisionStatus = "applied"
	StatusRejected   DecisionStatus = "rejected"
	StatusRolledBack DecisionStatus = "rolled_back"
	StatusFailed     DecisionStatus = "failed"
)

// DecisionPayload carries the type-specific action parameters.
type DecisionPayload struct {
	PeerPubkey    string         `json:"peer_pubkey,omitempty"`
	AmountSat     int64          `json:"amount_sat,omitempty"`
	NewPolicy     *ChannelPolicy `json:"new_policy,omitempty"`
	NewFeeRatePPM int64          `json:"new_fee_rate_ppm,omitempty"`
}

// Decision is a typed operator action emitted by the decision engine.
type Decision struct {
	DecisionID    string          `json:"decision_id"`
	NodePubkey    string          `json:"node_pubkey"`
	ChannelID     string          `json:"channel_id,omitempty"`
	Type          DecisionType    `json:"type"`
	Payload       DecisionPayload `json:"payload"`
	RationaleText string          `json:"rationale_text"`
	Reason        string          `json:"reason,omitempty"`
	Score         float64         `json:"score"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        DecisionStatus  `json:"status"`
}

// RollbackEntry preserves the prior state of an applied decision so it can
// be reversed. Exists iff the decision reached applied.
type RollbackEntry struct {
	DecisionID      string          `json:"decision_id"`
	PriorState      ChannelState    `json:"prior_state"`
	ReversalPayload DecisionPayload `json:"reversal_payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

// UserProfile enrolls an operator for daily reporting.
type UserProfile struct {
	UserID               string   `json:"user_id"`
	TenantID             string   `json:"tenant_id"`
	LightningPubkey      string   `json:"lightning_pubkey"`
	DailyReportEnabled   bool     `json:"daily_report_enabled"`
	Timezone             string   `json:"timezone"`
	NotificationChannels []string `json:"notification_channels"`
	ApplyEnabled         bool     `json:"apply_enabled"`
}

// ReportStatus is the daily report lifecycle state.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportRunning   ReportStatus = "running"
	ReportSucceeded ReportStatus = "succeeded"
	ReportFailed    ReportStatus = "failed"
)

// ReportSection is one titled block of a daily report.
type ReportSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DailyReport is the per-user, per-day report entity. At most one succeeded
// report exists per (user_id, report_date).
type DailyReport struct {
	ReportID         string          `json:"report_id"`
	UserID           string          `json:"user_id"`
	TenantID         string          `json:"tenant_id"`
	NodePubkey       string          `json:"node_pubkey"`
	ReportDate       string          `json:"report_date"` // UTC date, YYYY-MM-DD
	GenerationStatus ReportStatus    `json:"generation_status"`
	AttemptCount     int             `json:"attempt_count"`
	FailReason       string          `json:"fail_reason,omitempty"`
	Sections         []ReportSection `json:"sections"`
	DecisionsSummary string          `json:"decisions_summary"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// ReportDate formats t as the canonical UTC report date.
func ReportDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
