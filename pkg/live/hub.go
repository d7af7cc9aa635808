package live

import (
	"sync"

	"github.com/taskhub/taskhub/pkg/logger"
)

// Channel labels used for logs and metrics.
const (
	ChannelProject = "project"
	ChannelUser    = "user"
)

// Hub owns the project-keyed and user-keyed registries of one process.
// It is constructed at startup and shared by the HTTP mutation handlers and
// the live-update gateway.
type Hub struct {
	log logger.Logger

	projects *Registry[ProjectKey]
	users    *Registry[UserKey]

	projectCast *Broadcaster[ProjectKey]
	userCast    *Broadcaster[UserKey]
}

// NewHub creates an empty hub. recorder may be nil.
func NewHub(log logger.Logger, recorder DeliveryRecorder) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	projects := NewRegistry[ProjectKey]()
	users := NewRegistry[UserKey]()
	return &Hub{
		log:         log,
		projects:    projects,
		users:       users,
		projectCast: NewBroadcaster(ChannelProject, projects, log, recorder),
		userCast:    NewBroadcaster(ChannelUser, users, log, recorder),
	}
}

// JoinProject registers conn under both the project key and the user key.
func (h *Hub) JoinProject(conn Conn, user UserKey, project ProjectKey) *Subscription {
	h.projects.Register(project, conn)
	h.users.Register(user, conn)
	return &Subscription{
		hub:        h,
		conn:       conn,
		user:       user,
		project:    project,
		hasProject: true,
	}
}

// JoinUser registers conn under the user key only.
func (h *Hub) JoinUser(conn Conn, user UserKey) *Subscription {
	h.users.Register(user, conn)
	return &Subscription{
		hub:  h,
		conn: conn,
		user: user,
	}
}

// BroadcastProject delivers ev to every watcher of project. Server-originated
// events do not exclude anyone.
func (h *Hub) BroadcastProject(project ProjectKey, ev Event) int {
	payload, err := ev.Encode()
	if err != nil {
		h.log.Error("encode live event", "key", project, "type", ev.Type, "error", err)
		return 0
	}
	return h.projectCast.Broadcast(project, payload, nil)
}

// SendToUser delivers ev to every open connection of user.
func (h *Hub) SendToUser(user UserKey, ev Event) int {
	payload, err := ev.Encode()
	if err != nil {
		h.log.Error("encode live event", "key", user, "type", ev.Type, "error", err)
		return 0
	}
	return h.userCast.Broadcast(user, payload, nil)
}

// ProjectWatchers returns the number of connections watching project.
func (h *Hub) ProjectWatchers(project ProjectKey) int {
	return h.projects.Count(project)
}

// UserConnections returns the number of open connections of user.
func (h *Hub) UserConnections(user UserKey) int {
	return h.users.Count(user)
}

// Stats summarizes registry occupancy.
type Stats struct {
	Projects           int `json:"projects"`
	ProjectConnections int `json:"project_connections"`
	Users              int `json:"users"`
	UserConnections    int `json:"user_connections"`
}

// Stats returns current registry occupancy.
func (h *Hub) Stats() Stats {
	var s Stats
	s.Projects, s.ProjectConnections = h.projects.Size()
	s.Users, s.UserConnections = h.users.Size()
	return s
}

// Subscription is the set of registrations held by one connection.
type Subscription struct {
	hub        *Hub
	conn       Conn
	user       UserKey
	project    ProjectKey
	hasProject bool

	leaveOnce sync.Once
}

// Conn returns the subscribed connection.
func (s *Subscription) Conn() Conn { return s.conn }

// User returns the user key.
func (s *Subscription) User() UserKey { return s.user }

// Project returns the project key and whether the subscription has one.
func (s *Subscription) Project() (ProjectKey, bool) { return s.project, s.hasProject }

// Relay sends payload to the other watchers of the subscribed project. The
// sender never receives its own frame back.
func (s *Subscription) Relay(payload []byte) int {
	if !s.hasProject {
		return 0
	}
	return s.hub.projectCast.Broadcast(s.project, payload, s.conn)
}

// Leave deregisters the connection from every key it joined. Safe to call
// more than once and from concurrent close and error paths.
func (s *Subscription) Leave() {
	s.leaveOnce.Do(func() {
		if s.hasProject {
			s.hub.projects.Deregister(s.project, s.conn)
		}
		s.hub.users.Deregister(s.user, s.conn)
	})
}
