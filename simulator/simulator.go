// Package simulator drives a chat engine with simulated users: Zipf-skewed
// conversation partners, connect/disconnect churn and periodic reads. It runs
// in-process against any store and checks the projections at the end.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/engine"
	"gator-chat/internal/models"

	"github.com/google/uuid"
)

type SimConfig struct {
	NumUsers        int
	SimulationTime  time.Duration
	MessageInterval time.Duration // mean gap between sends, per user
	ReadProbability float64       // chance a tick also marks a conversation read
	ImageRatio      float64       // share of sends that carry an attachment
	DisconnectRate  float64
	ReconnectRate   float64
	ZipfS           float64 // must be > 1
	Seed            int64
}

// DefaultConfig is a short, busy run.
func DefaultConfig() SimConfig {
	return SimConfig{
		NumUsers:        20,
		SimulationTime:  30 * time.Second,
		MessageInterval: 500 * time.Millisecond,
		ReadProbability: 0.3,
		ImageRatio:      0.1,
		DisconnectRate:  0.05,
		ReconnectRate:   0.2,
		ZipfS:           1.07,
		Seed:            time.Now().UnixNano(),
	}
}

type SimulationStats struct {
	mu               sync.RWMutex
	StartTime        time.Time
	TotalRequests    int64
	SuccessRequests  int64
	FailedRequests   int64
	MessagesSent     int64
	ReadsMarked      int64
	PushesReceived   int64
	ActiveUsers      int
	RequestLatencies []time.Duration
}

// AverageLatency is the mean engine call latency so far.
func (st *SimulationStats) AverageLatency() time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.RequestLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range st.RequestLatencies {
		total += l
	}
	return total / time.Duration(len(st.RequestLatencies))
}

// SimulatedUser tracks one user's live connection.
type SimulatedUser struct {
	ID          string
	Name        string
	ConnID      string
	IsConnected bool
	Partners    map[string]bool
}

type Simulator struct {
	config SimConfig
	engine *engine.Engine
	store  database.DBAdapter
	logger *slog.Logger
	stats  *SimulationStats
	users  []*SimulatedUser
	pushes atomic.Int64
	mu     sync.RWMutex
}

// NewSimulator attaches itself to chat as the live transport, so every
// fan-out push is counted instead of written to a socket.
func NewSimulator(chat *engine.Engine, store database.DBAdapter, config SimConfig, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		config: config,
		engine: chat,
		store:  store,
		logger: logger,
		stats:  &SimulationStats{StartTime: time.Now()},
	}
	chat.SetTransport(s)
	return s
}

// Push implements fanout.Transport.
func (s *Simulator) Push(connID string, payload []byte) error {
	s.pushes.Add(1)
	return nil
}

func (s *Simulator) Run(ctx context.Context) error {
	if s.config.NumUsers < 2 {
		return fmt.Errorf("need at least 2 users, got %d", s.config.NumUsers)
	}
	if s.config.ZipfS <= 1 {
		return fmt.Errorf("zipf parameter must be > 1, got %.2f", s.config.ZipfS)
	}
	s.logger.Info("starting chat simulation", "users", s.config.NumUsers, "duration", s.config.SimulationTime)

	if err := s.createUsers(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.config.SimulationTime)
	defer cancel()

	var wg sync.WaitGroup
	for i, user := range s.users {
		wg.Add(1)
		go func(i int, user *SimulatedUser) {
			defer wg.Done()
			s.simulateUser(runCtx, user, rand.New(rand.NewSource(s.config.Seed+int64(i))))
		}(i, user)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateConnectivity(runCtx, rand.New(rand.NewSource(s.config.Seed-1)))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.collectMetrics(runCtx)
	}()

	wg.Wait()
	s.stats.mu.Lock()
	s.stats.PushesReceived = s.pushes.Load()
	s.stats.mu.Unlock()
	return nil
}

func (s *Simulator) createUsers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make([]*SimulatedUser, 0, s.config.NumUsers)
	for i := 0; i < s.config.NumUsers; i++ {
		user := &SimulatedUser{
			ID:       fmt.Sprintf("sim-user-%03d", i),
			Name:     fmt.Sprintf("Sim User %d", i),
			Partners: make(map[string]bool),
		}
		if err := s.store.SaveUser(ctx, &models.User{ID: user.ID, Name: user.Name}); err != nil {
			return err
		}
		if err := s.connect(ctx, user); err != nil {
			return err
		}
		s.users = append(s.users, user)
	}
	return nil
}

func (s *Simulator) connect(ctx context.Context, user *SimulatedUser) error {
	connID := uuid.NewString()
	if err := s.engine.RegisterConnection(ctx, connID, user.ID); err != nil {
		return err
	}
	user.ConnID = connID
	user.IsConnected = true
	return nil
}

func (s *Simulator) disconnect(user *SimulatedUser) {
	s.engine.UnregisterConnection(user.ConnID)
	user.ConnID = ""
	user.IsConnected = false
}

// simulateUser sends messages to Zipf-chosen partners, so a few users receive
// most of the traffic.
func (s *Simulator) simulateUser(ctx context.Context, user *SimulatedUser, r *rand.Rand) {
	zipf := rand.NewZipf(r, s.config.ZipfS, 1, uint64(len(s.users)-1))
	for {
		jitter := time.Duration(r.Int63n(int64(s.config.MessageInterval) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.MessageInterval/2 + jitter):
		}

		partner := s.users[zipf.Uint64()]
		if partner.ID == user.ID {
			continue
		}
		s.sendMessage(ctx, user, partner, r)

		if r.Float64() < s.config.ReadProbability {
			s.markRandomRead(ctx, user, r)
		}
	}
}

func (s *Simulator) sendMessage(ctx context.Context, from, to *SimulatedUser, r *rand.Rand) {
	req := engine.SendRequest{
		SenderID:   from.ID,
		ReceiverID: to.ID,
		Body:       fmt.Sprintf("hello %s from %s", to.Name, from.Name),
	}
	if r.Float64() < s.config.ImageRatio {
		req.Body = ""
		req.Attachment = &models.Attachment{
			Kind: models.AttachmentImage,
			URL:  "https://cdn.example.test/sim/" + uuid.NewString() + ".png",
			Size: r.Int63n(1 << 20),
		}
	}

	start := time.Now()
	_, err := s.engine.SendMessage(ctx, req)
	s.record(time.Since(start), err)
	if err != nil {
		return
	}

	s.mu.Lock()
	from.Partners[to.ID] = true
	to.Partners[from.ID] = true
	s.mu.Unlock()

	s.stats.mu.Lock()
	s.stats.MessagesSent++
	s.stats.mu.Unlock()
}

func (s *Simulator) markRandomRead(ctx context.Context, user *SimulatedUser, r *rand.Rand) {
	s.mu.RLock()
	partners := make([]string, 0, len(user.Partners))
	for id := range user.Partners {
		partners = append(partners, id)
	}
	s.mu.RUnlock()
	if len(partners) == 0 {
		return
	}

	partner := partners[r.Intn(len(partners))]
	start := time.Now()
	flipped, err := s.engine.MarkRead(ctx, models.PairKey(user.ID, partner), user.ID)
	s.record(time.Since(start), err)
	if err != nil {
		return
	}
	s.stats.mu.Lock()
	s.stats.ReadsMarked += int64(len(flipped))
	s.stats.mu.Unlock()
}

func (s *Simulator) record(latency time.Duration, err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.TotalRequests++
	s.stats.RequestLatencies = append(s.stats.RequestLatencies, latency)
	if err != nil {
		// A cancelled run is not a failure.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.stats.FailedRequests++
			s.logger.Debug("simulated request failed", "error", err)
		}
		return
	}
	s.stats.SuccessRequests++
}

func (s *Simulator) simulateConnectivity(ctx context.Context, r *rand.Rand) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, user := range s.users {
				if user.IsConnected {
					if r.Float64() < s.config.DisconnectRate {
						s.disconnect(user)
					}
				} else if r.Float64() < s.config.ReconnectRate {
					if err := s.connect(ctx, user); err != nil {
						s.logger.Debug("reconnect failed", "user_id", user.ID, "error", err)
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Simulator) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			active := 0
			for _, user := range s.users {
				if user.IsConnected {
					active++
				}
			}
			s.mu.RUnlock()

			s.stats.mu.Lock()
			s.stats.ActiveUsers = active
			elapsed := time.Since(s.stats.StartTime)
			rate := float64(s.stats.TotalRequests) / elapsed.Seconds()
			sent, reads, failed := s.stats.MessagesSent, s.stats.ReadsMarked, s.stats.FailedRequests
			s.stats.mu.Unlock()

			s.logger.Info("simulation metrics",
				"elapsed", elapsed.Round(time.Second),
				"request_rate", fmt.Sprintf("%.2f/s", rate),
				"active_users", active,
				"messages_sent", sent,
				"reads_marked", reads,
				"pushes", s.pushes.Load(),
				"failed_requests", failed,
				"avg_latency", s.stats.AverageLatency())
		}
	}
}

// GetMetrics returns a snapshot of the run's counters.
func (s *Simulator) GetMetrics() SimulationStats {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	return SimulationStats{
		StartTime:       s.stats.StartTime,
		TotalRequests:   s.stats.TotalRequests,
		SuccessRequests: s.stats.SuccessRequests,
		FailedRequests:  s.stats.FailedRequests,
		MessagesSent:    s.stats.MessagesSent,
		ReadsMarked:     s.stats.ReadsMarked,
		PushesReceived:  s.pushes.Load(),
		ActiveUsers:     s.stats.ActiveUsers,
	}
}

// Verify checks every user's projections against each other: contact unread
// counts must sum to the inbox unread count, and every contact must point at a
// conversation that exists.
func (s *Simulator) Verify(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		contacts, err := s.engine.ListContacts(ctx, user.ID)
		if err != nil {
			return err
		}
		unread, err := s.engine.UnreadCount(ctx, user.ID)
		if err != nil {
			return err
		}
		sum := 0
		for _, contact := range contacts {
			sum += contact.UnreadCount
			if _, err := s.store.GetConversation(ctx, models.PairKey(user.ID, contact.ContactID)); err != nil {
				return fmt.Errorf("contact %s of %s has no conversation: %w", contact.ContactID, user.ID, err)
			}
		}
		if sum != unread {
			return fmt.Errorf("user %s: contact unread %d != inbox unread %d", user.ID, sum, unread)
		}
		if len(contacts) != len(user.Partners) {
			return fmt.Errorf("user %s: %d contacts, %d partners", user.ID, len(contacts), len(user.Partners))
		}
	}
	return nil
}
