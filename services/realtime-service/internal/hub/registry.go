package hub

import (
	"sync"
)

// Well-known groups. They persist for the process lifetime even when
// empty; ordinary groups are dropped once their last member leaves.
const (
	GroupAllUsers = "all_users"
	GroupAdmins   = "admins"
)

// impliedGroups is the rule table evaluated at join time: joining any
// group also joins the groups implied by the member's role.
var impliedGroups = map[Role][]string{
	RoleNormal: {GroupAllUsers},
	RoleAdmin:  {GroupAllUsers, GroupAdmins},
}

// Registry exclusively owns group membership. Callers only ever see
// snapshots; the internal sets are never handed out.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Conn]struct{}
	byConn map[*Conn]map[string]struct{}
}

func NewRegistry() *Registry {
	r := &Registry{
		groups: map[string]map[*Conn]struct{}{},
		byConn: map[*Conn]map[string]struct{}{},
	}
	r.groups[GroupAllUsers] = map[*Conn]struct{}{}
	r.groups[GroupAdmins] = map[*Conn]struct{}{}
	return r
}

// Join adds conn to group, creating the group if needed, and applies the
// implied-groups rule for the connection's role.
func (r *Registry) Join(conn *Conn, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.joinLocked(conn, group)
	for _, implied := range impliedGroups[conn.Role()] {
		r.joinLocked(conn, implied)
	}
}

func (r *Registry) joinLocked(conn *Conn, group string) {
	members, ok := r.groups[group]
	if !ok {
		members = map[*Conn]struct{}{}
		r.groups[group] = members
	}
	members[conn] = struct{}{}

	joined, ok := r.byConn[conn]
	if !ok {
		joined = map[string]struct{}{}
		r.byConn[conn] = joined
	}
	joined[group] = struct{}{}
}

func (r *Registry) Leave(conn *Conn, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, group)
}

func (r *Registry) leaveLocked(conn *Conn, group string) {
	if members, ok := r.groups[group]; ok {
		delete(members, conn)
		if len(members) == 0 && !wellKnown(group) {
			delete(r.groups, group)
		}
	}
	if joined, ok := r.byConn[conn]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(r.byConn, conn)
		}
	}
}

// LeaveAll removes conn from every group it joined. Called exactly once
// on disconnect; a no-op for connections that never joined anything.
func (r *Registry) LeaveAll(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group := range r.byConn[conn] {
		r.leaveLocked(conn, group)
	}
	delete(r.byConn, conn)
}

// MembersOf returns a snapshot of the group's live members, taken under
// a consistent view of the membership state.
func (r *Registry) MembersOf(group string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	out := make([]*Conn, 0, len(members))
	for conn := range members {
		out = append(out, conn)
	}
	return out
}

// GroupsOf returns a snapshot of the groups conn currently belongs to.
func (r *Registry) GroupsOf(conn *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.byConn[conn]
	out := make([]string, 0, len(joined))
	for group := range joined {
		out = append(out, group)
	}
	return out
}

func wellKnown(group string) bool {
	return group == GroupAllUsers || group == GroupAdmins
}
