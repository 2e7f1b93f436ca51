package broadcast

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/hub"
)

// Message is the structured frame fanned out to group members.
type Message struct {
	Type   string    `json:"type"`
	Group  string    `json:"group"`
	From   string    `json:"from,omitempty"`
	Body   any       `json:"body,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

const (
	TypeJoined  = "joined"
	TypeMessage = "message"
	TypeError   = "error"
)

type DeliveryFailure struct {
	Identity string
	Err      error
}

// DeliveryReport accounts for one broadcast: per-member failures are
// isolated and reported here, never fatal to the batch.
type DeliveryReport struct {
	Group     string
	Delivered int
	Failures  []DeliveryFailure
}

type memberSource interface {
	MembersOf(group string) []*hub.Conn
}

// Router reads membership snapshots from the registry and delivers to
// each member independently. It never mutates membership.
type Router struct {
	members memberSource
	logger  *slog.Logger
}

func NewRouter(members memberSource, logger *slog.Logger) *Router {
	return &Router{members: members, logger: logger}
}

// Broadcast delivers msg to every member of group at snapshot time. A
// member that disconnects or stalls mid-delivery only affects its own
// entry in the report.
func (r *Router) Broadcast(group string, msg Message) DeliveryReport {
	report := DeliveryReport{Group: group}

	msg.Group = group
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("broadcast message not serializable", "group", group, "err", err)
		return report
	}

	for _, member := range r.members.MembersOf(group) {
		if err := member.Send(data); err != nil {
			r.logger.Warn("delivery failed",
				"group", group,
				"member", member.Identity(),
				"err", err,
			)
			report.Failures = append(report.Failures, DeliveryFailure{
				Identity: member.Identity(),
				Err:      err,
			})
			continue
		}
		report.Delivered++
	}
	return report
}

// AnnounceJoin tells each of the connection's groups that it arrived.
func (r *Router) AnnounceJoin(conn *hub.Conn, groups []string) {
	for _, group := range groups {
		r.Broadcast(group, Message{
			Type: TypeJoined,
			From: conn.Identity(),
		})
	}
}
