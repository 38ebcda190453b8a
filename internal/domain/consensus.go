package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionInitialized      SessionState = "initialized"
	SessionInProgress       SessionState = "in_progress"
	SessionConsensusReached SessionState = "consensus_reached"
	SessionCompleted        SessionState = "completed"
)

// Terminal reports whether the state permits no further iterations.
func (s SessionState) Terminal() bool {
	return s == SessionConsensusReached || s == SessionCompleted
}

// ConsensusNode is one participant's standing inside a session network.
// Activation decays every iteration; contribution weight decays each
// time the node contributes.
type ConsensusNode struct {
	EntityID           uuid.UUID `json:"entity_id"`
	DomainKnowledge    float64   `json:"domain_knowledge"`
	Activation         float64   `json:"activation"`
	ContributionWeight float64   `json:"contribution_weight"`
}

// ConsensusEdge is an undirected weighted link between two nodes.
// Synergy marks edges strong enough to amplify contributions.
type ConsensusEdge struct {
	Source   uuid.UUID `json:"source"`
	Target   uuid.UUID `json:"target"`
	Strength float64   `json:"strength"`
	Synergy  bool      `json:"synergy"`
}

type Contribution struct {
	Quality   float64   `json:"quality"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

type Breakthrough struct {
	SessionID    uuid.UUID   `json:"session_id"`
	Type         string      `json:"type"`
	Iteration    int         `json:"iteration"`
	Magnitude    float64     `json:"magnitude"`
	Contributors []uuid.UUID `json:"contributors"`
	Timestamp    time.Time   `json:"timestamp"`
}

// BreakthroughCollectiveInsight is the only breakthrough type the
// protocol currently detects.
const BreakthroughCollectiveInsight = "collective_insight"

// Solution is produced exactly once, when a session finalizes.
type Solution struct {
	ConsensusValue   float64     `json:"consensus_value"`
	TopContributors  []uuid.UUID `json:"top_contributors"`
	BreakthroughHits int         `json:"breakthrough_hits"`
	Timestamp        time.Time   `json:"timestamp"`
}

// ConsensusSession is an ad-hoc weighted network solving one problem
// via spreading activation, stepped one iteration at a time by the
// driver.
type ConsensusSession struct {
	ID             uuid.UUID                    `json:"id"`
	ProblemDomain  string                       `json:"problem_domain"`
	Description    string                       `json:"description"`
	Participants   []uuid.UUID                  `json:"participants"`
	Nodes          map[uuid.UUID]*ConsensusNode `json:"nodes"`
	Edges          []*ConsensusEdge             `json:"edges"`
	State          SessionState                 `json:"state"`
	Iteration      int                          `json:"iteration"`
	Contributions  map[uuid.UUID][]Contribution `json:"contributions"`
	ConsensusValue float64                      `json:"consensus_value"`
	Breakthroughs  []Breakthrough               `json:"breakthroughs"`
	Solution       *Solution                    `json:"solution,omitempty"`
	CreatedAt      time.Time                    `json:"created_at"`
}
