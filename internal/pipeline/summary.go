package pipeline

import (
	"time"

	"agent-trader/internal/queue"
)

// PhaseName 是调度阶段名称。
type PhaseName string

const (
	PhaseQuote  PhaseName = "quote"
	PhaseSign   PhaseName = "sign"
	PhaseSubmit PhaseName = "submit"
	PhaseFill   PhaseName = "fill"
)

// PhaseSummary 统计单个阶段的处理结果。
type PhaseSummary struct {
	Claimed     int                 `json:"claimed"`
	Advanced    int                 `json:"advanced"`
	Rescheduled int                 `json:"rescheduled"`
	Cancelled   int                 `json:"cancelled"`
	Expired     int                 `json:"expired"`
	Filled      int                 `json:"filled"`
	Skipped     int                 `json:"skipped"`
	ByVenue     map[queue.Venue]int `json:"by_venue"`
}

// Summary 是一次调度的结果摘要。
type Summary struct {
	RequestID string                      `json:"request_id"`
	StartedAt time.Time                   `json:"started_at"`
	Duration  string                      `json:"duration"`
	Phases    map[PhaseName]*PhaseSummary `json:"phases"`
}

func newSummary(requestID string, startedAt time.Time) Summary {
	s := Summary{
		RequestID: requestID,
		StartedAt: startedAt,
		Phases:    make(map[PhaseName]*PhaseSummary, 4),
	}
	for _, p := range []PhaseName{PhaseQuote, PhaseSign, PhaseSubmit, PhaseFill} {
		s.Phases[p] = &PhaseSummary{ByVenue: map[queue.Venue]int{queue.VenueOnChain: 0, queue.VenueCentralized: 0}}
	}
	return s
}

// outcome 是单条记录在一个阶段内的处理结果。
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdvanced
	outcomeRescheduled
	outcomeCancelled
	outcomeExpired
	outcomeFilled
)

func (p *PhaseSummary) add(v queue.Venue, o outcome) {
	p.Claimed++
	p.ByVenue[v]++
	switch o {
	case outcomeAdvanced:
		p.Advanced++
	case outcomeRescheduled:
		p.Rescheduled++
	case outcomeCancelled:
		p.Cancelled++
	case outcomeExpired:
		p.Expired++
	case outcomeFilled:
		p.Filled++
	default:
		p.Skipped++
	}
}

// Total 汇总所有阶段中某一结果的数量，便于日志输出。
func (s Summary) Total(pick func(*PhaseSummary) int) int {
	total := 0
	for _, p := range s.Phases {
		total += pick(p)
	}
	return total
}
