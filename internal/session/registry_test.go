package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// RegistrySuite is a test suite for session lifecycle.
type RegistrySuite struct {
	suite.Suite
	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.registry = NewRegistry()
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) TestCreateGeneratesIdentity() {
	sess := s.registry.Create("", "")

	s.Len(sess.SessionID, 36)
	s.Len(sess.UserID, len("user_")+8)
	s.Contains(sess.UserID, "user_")
	s.True(sess.Active)
	s.Zero(sess.TurnCount)
	s.Equal(sess.CreatedAt, sess.LastActivity)
	s.Equal(1, s.registry.Count())
}

func (s *RegistrySuite) TestCreateHonorsProvidedIDs() {
	sess := s.registry.Create("sess-1", "user-1")
	s.Equal("sess-1", sess.SessionID)
	s.Equal("user-1", sess.UserID)
}

func (s *RegistrySuite) TestGetRefreshesActivity() {
	sess := s.registry.Create("sess-1", "")
	stale := time.Now().Add(-time.Hour)
	sess.LastActivity = stale

	got, err := s.registry.Get("sess-1")
	s.Require().NoError(err)
	s.Equal(sess, got)
	s.True(got.LastActivity.After(stale))
}

func (s *RegistrySuite) TestGetUnknown() {
	_, err := s.registry.Get("nope")
	s.ErrorIs(err, ErrNotFound)
}

func (s *RegistrySuite) TestRemoveDeactivates() {
	sess := s.registry.Create("sess-1", "")
	s.registry.Remove("sess-1")

	s.False(sess.Active)
	s.Equal(0, s.registry.Count())
	_, err := s.registry.Get("sess-1")
	s.ErrorIs(err, ErrNotFound)

	// Unknown removal is a no-op.
	s.registry.Remove("sess-1")
}

func (s *RegistrySuite) TestIncrementTurn() {
	sess := s.registry.Create("sess-1", "")
	sess.LastActivity = time.Now().Add(-time.Minute)

	s.Require().NoError(s.registry.IncrementTurn("sess-1"))
	s.Require().NoError(s.registry.IncrementTurn("sess-1"))

	s.Equal(2, sess.TurnCount)
	s.True(sess.LastActivity.After(time.Now().Add(-time.Second)))

	s.ErrorIs(s.registry.IncrementTurn("nope"), ErrNotFound)
}

func (s *RegistrySuite) TestSweepIdleRemovesOnlyStale() {
	fresh := s.registry.Create("fresh", "")
	stale1 := s.registry.Create("stale1", "")
	stale2 := s.registry.Create("stale2", "")

	stale1.LastActivity = time.Now().Add(-time.Hour)
	stale2.LastActivity = time.Now().Add(-31 * time.Minute)

	removed := s.registry.SweepIdle(30 * time.Minute)

	s.Equal(2, removed)
	s.Equal(1, s.registry.Count())
	s.True(fresh.Active)
	s.False(stale1.Active)
	s.False(stale2.Active)

	_, err := s.registry.Get("fresh")
	s.NoError(err)
}

func (s *RegistrySuite) TestSweepIdleNothingStale() {
	s.registry.Create("a", "")
	s.registry.Create("b", "")
	s.Equal(0, s.registry.SweepIdle(30*time.Minute))
	s.Equal(2, s.registry.Count())
}

func (s *RegistrySuite) TestSnapshotCopies() {
	s.registry.Create("sess-1", "user-1")

	snap := s.registry.Snapshot()
	s.Require().Len(snap, 1)

	snap[0].TurnCount = 99
	got, err := s.registry.Get("sess-1")
	s.Require().NoError(err)
	s.Zero(got.TurnCount)
}

func (s *RegistrySuite) TestSweeperRunsUntilCanceled() {
	sess := s.registry.Create("stale", "")
	sess.LastActivity = time.Now().Add(-time.Hour)

	sweeper := NewSweeper(s.registry, 30*time.Minute, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	s.Eventually(func() bool {
		return s.registry.Count() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}
