package domain

import "time"

// Role is a node's position in the cluster.
type Role string

const (
	RoleFollower Role = "follower"
	RoleLeader   Role = "leader"
)

// LeaderRecord is the value stored under the leader lease.
type LeaderRecord struct {
	NodeID        string    `json:"nodeId"`
	AdvertiseURL  string    `json:"advertiseUrl"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	LastRenewedAt time.Time `json:"lastRenewedAt"`
}

// ClusterStatus is the externally visible state of one node.
type ClusterStatus struct {
	NodeID     string        `json:"nodeId"`
	Role       Role          `json:"role"`
	Ready      bool          `json:"ready"`
	Leader     *LeaderRecord `json:"leader,omitempty"`
	Since      time.Time     `json:"since"`
	Promotions int           `json:"promotions"`
	LastError  string        `json:"lastError,omitempty"`
}

// Tier is a credential's rate-limit class. Higher tiers get larger budgets.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierTrader    Tier = "trader"
	TierAdmin     Tier = "admin"
)

// Rank orders tiers: admin > trader > anonymous.
func (t Tier) Rank() int {
	switch t {
	case TierAdmin:
		return 2
	case TierTrader:
		return 1
	}
	return 0
}

// Principal is the resolved identity behind a request.
type Principal struct {
	ID    string
	Tiers []Tier
}

// Top returns the highest tier held, or anonymous.
func (p Principal) Top() Tier {
	top := TierAnonymous
	for _, t := range p.Tiers {
		if t.Rank() > top.Rank() {
			top = t
		}
	}
	return top
}
