// Package dbqueue implements the per-database work queues: a Lead queue
// per logical database owning up to four tier children (slow, medium,
// fast, cache), each with one dedicated worker goroutine and one
// persistent backend connection.
package dbqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueueType names a queue role. Lead is the per-database root queue; the
// other four are priority tiers.
type QueueType int

const (
	Lead QueueType = iota
	Slow
	Medium
	Fast
	Cache
)

func (t QueueType) String() string {
	switch t {
	case Lead:
		return "Lead"
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	case Cache:
		return "cache"
	default:
		return "unknown"
	}
}

// Tag returns the single-character responsibility tag for a tier.
func (t QueueType) Tag() string {
	switch t {
	case Lead:
		return "L"
	case Slow:
		return "S"
	case Medium:
		return "M"
	case Fast:
		return "F"
	case Cache:
		return "C"
	default:
		return ""
	}
}

// Priority maps a tier to its queue priority. Higher values are served
// first, so cache work preempts everything and slow work yields to all.
func (t QueueType) Priority() int {
	switch t {
	case Cache:
		return 3
	case Fast:
		return 2
	case Medium:
		return 1
	default:
		return 0
	}
}

// Tiers lists the four worker tiers in spawn order.
func Tiers() []QueueType {
	return []QueueType{Slow, Medium, Fast, Cache}
}

// QueueTypeFromHint resolves a routing hint token. Unrecognized hints fall
// back to medium.
func QueueTypeFromHint(hint string) QueueType {
	switch strings.ToLower(hint) {
	case "slow":
		return Slow
	case "medium":
		return Medium
	case "fast":
		return Fast
	case "cache":
		return Cache
	default:
		return Medium
	}
}

// leadTags is the full responsibility set a Lead starts with: itself plus
// all four tiers it serves virtually until children take over.
const leadTags = "LSMFC"

// Label builds the queue designator used on every log line tied to this
// queue, of the form DQM-<database>-<NN>-<tags>. The Lead holds number 00.
func Label(database string, queueNumber int, tags string) string {
	return fmt.Sprintf("DQM-%s-%02d-%s", database, queueNumber, tags)
}

// DatabaseQuery is the unit of submitted work. It travels through the
// queue serialized as JSON.
type DatabaseQuery struct {
	QueryID        string          `json:"query_id"`
	Template       string          `json:"query_template"`
	ParametersJSON json.RawMessage `json:"parameter_json,omitempty"`
	QueueHint      string          `json:"queue_type_hint,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	ProcessedAt    time.Time       `json:"processed_at,omitempty"`
	RetryCount     int             `json:"retry_count,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}
