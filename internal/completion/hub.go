package completion

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

const subscriptionBuffer = 32

// Subscription receives the events of one user. A subscriber that falls a
// full buffer behind loses events rather than blocking writers.
type Subscription struct {
	ID       uuid.UUID
	UserID   string
	Course   string
	Outbound chan Event
	done     chan struct{}
	once     sync.Once
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Subscription]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "CompletionHub"),
		subscriptions: make(map[string]map[*Subscription]bool),
	}
}

func channelFor(userID string) string { return "user:" + userID }

// Subscribe registers a listener for user's events. A non-empty course
// restricts delivery to that course.
func (h *Hub) Subscribe(userID, course string) *Subscription {
	sub := &Subscription{
		ID:       uuid.New(),
		UserID:   userID,
		Course:   strings.TrimSpace(course),
		Outbound: make(chan Event, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := channelFor(userID)
	subs, ok := h.subscriptions[ch]
	if !ok {
		subs = make(map[*Subscription]bool)
		h.subscriptions[ch] = subs
	}
	subs[sub] = true
	h.log.Debug("Completion subscriber added", "subscription", sub.ID, "user_id", userID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	ch := channelFor(sub.UserID)
	if subs, ok := h.subscriptions[ch]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, ch)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.subscriptions[channelFor(ev.UserID)]
	if !ok {
		return
	}
	course := ev.Course.Canonical().String()
	for s := range subs {
		if s.Course != "" && s.Course != course {
			continue
		}
		select {
		case s.Outbound <- ev:
		default:
			h.log.Warn("Dropping completion event; subscriber buffer full", "subscription", s.ID)
			observability.Current().IncCompletionDrop()
		}
	}
}

// Subscribers counts live subscriptions for user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channelFor(userID)])
}
