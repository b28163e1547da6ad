package broadcast

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/asr-stream-gateway/internal/metrics"
)

// RoleMonitor marks a session that passively receives a group's results
const RoleMonitor = "monitor"

// Policy selects the recipients of a group broadcast
type Policy string

const (
	// ExcludeSender delivers to every group member except the origin
	ExcludeSender Policy = "exclude_sender"
	// SenderAndMonitors delivers to the origin plus every monitor in the group
	SenderAndMonitors Policy = "sender_and_monitors"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case ExcludeSender, SenderAndMonitors:
		return p, nil
	default:
		return "", fmt.Errorf("unknown broadcast policy %q", s)
	}
}

// Sender delivers one outbound message to a connection
type Sender interface {
	Send(v any) error
}

// Member is one session in a group snapshot
type Member struct {
	ID     string
	Role   string
	Sender Sender
}

// IsMonitor reports whether the member carries the monitor role
func (m Member) IsMonitor() bool {
	return m.Role == RoleMonitor
}

// Directory provides consistent snapshots of group membership
type Directory interface {
	Members(groupID string) []Member
}

// Recipients filters a membership snapshot by policy. Member order is preserved.
func Recipients(members []Member, originID string, policy Policy) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		switch policy {
		case ExcludeSender:
			if m.ID != originID {
				out = append(out, m)
			}
		case SenderAndMonitors:
			if m.ID == originID || m.IsMonitor() {
				out = append(out, m)
			}
		}
	}
	return out
}

// Multiplexer fans results out to group members
type Multiplexer struct {
	dir           Directory
	defaultPolicy Policy

	mu            sync.RWMutex
	groupPolicies map[string]Policy

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMultiplexer creates a multiplexer over dir
func NewMultiplexer(dir Directory, defaultPolicy Policy, groupPolicies map[string]Policy, logger *slog.Logger, m *metrics.Metrics) *Multiplexer {
	policies := make(map[string]Policy, len(groupPolicies))
	for g, p := range groupPolicies {
		policies[g] = p
	}
	return &Multiplexer{
		dir:           dir,
		defaultPolicy: defaultPolicy,
		groupPolicies: policies,
		logger:        logger,
		metrics:       m,
	}
}

// PolicyFor returns the group's configured policy or the default
func (x *Multiplexer) PolicyFor(groupID string) Policy {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if p, ok := x.groupPolicies[groupID]; ok {
		return p
	}
	return x.defaultPolicy
}

// SetGroupPolicy overrides the policy for one group
func (x *Multiplexer) SetGroupPolicy(groupID string, policy Policy) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.groupPolicies[groupID] = policy
}

// Deliver sends msg to the recipients of groupID selected by policy and returns
// how many sends succeeded. An empty groupID is a no-op. A failed send is logged
// and does not stop delivery to the remaining recipients.
func (x *Multiplexer) Deliver(groupID string, msg any, originID string, policy Policy) int {
	if groupID == "" {
		return 0
	}

	delivered := 0
	for _, m := range Recipients(x.dir.Members(groupID), originID, policy) {
		if err := m.Sender.Send(msg); err != nil {
			x.metrics.RecordDeliveryFailure()
			x.logger.Warn("Failed to deliver to group member",
				slog.String("group_id", groupID),
				slog.String("session_id", m.ID),
				slog.String("origin_id", originID),
				slog.String("error", err.Error()))
			continue
		}
		x.metrics.RecordDelivery("group")
		delivered++
	}
	return delivered
}
