package completion

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	trackingrepo "github.com/yungbote/xblockcore/internal/data/repos/tracking"
	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/policy"
)

// WeightKey is the policy key read for a block's share of course completion.
const WeightKey = "completion_weight"

const (
	lockStripes   = 64
	recordRetries = 3
)

type Options struct {
	// Store lets CourseCompletion weigh every leaf block of the course,
	// including ones the user never touched.
	Store modulestore.ContentStore
	Bus   Bus
	Clock func() time.Time
}

// Stream is the completion service. Events of one user are recorded and
// delivered in the order Record was called.
type Stream struct {
	db    *gorm.DB
	log   *logger.Logger
	repo  trackingrepo.CompletionRepo
	hub   *Hub
	store modulestore.ContentStore
	bus   Bus
	clock func() time.Time

	locks [lockStripes]sync.Mutex

	listenMu  sync.RWMutex
	listeners []func(Event)
}

func NewStream(db *gorm.DB, baseLog *logger.Logger, opts Options) *Stream {
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Stream{
		db:    db,
		log:   baseLog.With("service", "CompletionStream"),
		repo:  trackingrepo.NewCompletionRepo(db, baseLog),
		hub:   NewHub(baseLog),
		store: opts.Store,
		bus:   opts.Bus,
		clock: clock,
	}
}

func (s *Stream) Hub() *Hub { return s.hub }

// OnEvent registers fn for every recorded event, local or forwarded.
func (s *Stream) OnEvent(fn func(Event)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Stream) Subscribe(userID, course string) *Subscription { return s.hub.Subscribe(userID, course) }

func (s *Stream) Unsubscribe(sub *Subscription) { s.hub.Unsubscribe(sub) }

func (s *Stream) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Record appends ev and updates the user's fraction for the block in one
// transaction, then notifies subscribers.
func (s *Stream) Record(ctx context.Context, ev Event) (Event, error) {
	ctx = ctxutil.Default(ctx)
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	ev.Usage = ev.Usage.Canonical()
	if ev.Course.IsZero() {
		ev.Course = ev.Usage.Course
	}
	ev.Course = ev.Course.Canonical()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}

	mu := s.userLock(ev.UserID)
	mu.Lock()
	var err error
	for attempt := 0; attempt < recordRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: txx}
			seq, err := s.repo.NextSeq(dbc, ev.UserID)
			if err != nil {
				return err
			}
			ev.Seq = seq
			if err := s.repo.InsertEvent(dbc, &types.CompletionEvent{
				UserID:    ev.UserID,
				Seq:       seq,
				CourseKey: ev.Course.String(),
				UsageKey:  ev.Usage.String(),
				Fraction:  ev.Fraction,
				Timestamp: ev.Timestamp,
			}); err != nil {
				return err
			}
			return s.repo.UpsertBlock(dbc, &types.BlockCompletion{
				UserID:    ev.UserID,
				UsageKey:  ev.Usage.String(),
				CourseKey: ev.Course.String(),
				Fraction:  ev.Fraction,
				UpdatedAt: ev.Timestamp,
			})
		})
		// Another process took the sequence number.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		break
	}
	if err == nil {
		s.deliver(ev)
	}
	mu.Unlock()
	if err != nil {
		s.log.Error("Completion record failed", "user_id", ev.UserID, "usage", ev.Usage.String(), "error", err)
		return ev, fmt.Errorf("record completion: %w: %v", xerr.ErrStorage, err)
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("Completion bus publish failed", "error", err)
		}
	}
	return ev, nil
}

func (s *Stream) deliver(ev Event) {
	s.hub.Broadcast(ev)
	s.listenMu.RLock()
	listeners := append([]func(Event){}, s.listeners...)
	s.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// StartForwarder delivers events recorded by other processes.
func (s *Stream) StartForwarder(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.StartForwarder(ctx, s.deliver)
}

// Fractions returns the user's latest fraction per block of course.
func (s *Stream) Fractions(ctx context.Context, userID string, course keys.CourseKey) (map[keys.UsageKey]float64, error) {
	rows, err := s.repo.ListBlocks(dbctx.Of(ctx), userID, course.Canonical().String())
	if err != nil {
		return nil, fmt.Errorf("list completions: %w: %v", xerr.ErrStorage, err)
	}
	out := make(map[keys.UsageKey]float64, len(rows))
	for _, r := range rows {
		u, err := keys.ParseUsageKey(r.UsageKey)
		if err != nil {
			continue
		}
		out[u] = r.Fraction
	}
	return out, nil
}

// Events returns the user's events for course in record order.
func (s *Stream) Events(ctx context.Context, userID string, course keys.CourseKey) ([]Event, error) {
	rows, err := s.repo.ListEvents(dbctx.Of(ctx), userID, course.Canonical().String())
	if err != nil {
		return nil, fmt.Errorf("list completion events: %w: %v", xerr.ErrStorage, err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		u, err := keys.ParseUsageKey(r.UsageKey)
		if err != nil {
			continue
		}
		out = append(out, Event{
			UserID:    r.UserID,
			Course:    u.Course,
			Usage:     u,
			Fraction:  r.Fraction,
			Timestamp: r.Timestamp,
			Seq:       r.Seq,
		})
	}
	return out, nil
}

// CourseCompletion is the weighted average over the course's leaf blocks.
// Weights come from the completion_weight policy key (default 1); blocks
// weighted 0 do not count. Without a content store only blocks the user has
// touched are averaged.
func (s *Stream) CourseCompletion(ctx context.Context, userID string, course keys.CourseKey) (float64, error) {
	fractions, err := s.Fractions(ctx, userID, course)
	if err != nil {
		return 0, err
	}
	if s.store == nil {
		if len(fractions) == 0 {
			return 0, nil
		}
		sum := 0.0
		for _, f := range fractions {
			sum += f
		}
		return sum / float64(len(fractions)), nil
	}

	c, err := s.store.GetCourse(ctx, course)
	if err != nil {
		return 0, err
	}
	blocks, err := s.store.ListBlocks(ctx, course)
	if err != nil {
		return 0, err
	}
	var num, den float64
	for _, b := range blocks {
		if len(b.Children) > 0 || b.BlockType == modulestore.RootBlockType {
			continue
		}
		w := policy.ForBlock(b.Fields, c.RunPolicy, c.Policy, nil).Float(WeightKey, 1)
		if w <= 0 {
			continue
		}
		den += w
		num += w * fractions[b.Usage.Canonical()]
	}
	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}

// DeleteForCourse is the course-delete cascade.
func (s *Stream) DeleteForCourse(dbc dbctx.Context, course keys.CourseKey) error {
	return s.repo.DeleteByCourse(dbc, course.Canonical().String())
}

func (s *Stream) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}
