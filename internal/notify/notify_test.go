package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabline/internal/db"
	"collabline/internal/domain"
	"collabline/internal/events"
	"collabline/internal/migrate"
	"collabline/internal/permission"
	"collabline/internal/repo"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return p.err
}

func newTestSync(t *testing.T) (*Synchronizer, *recordingPublisher) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	pub := &recordingPublisher{}
	return &Synchronizer{
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{Now: clock},
		Publisher: pub,
		Log:       zerolog.Nop(),
		Now:       clock,
	}, pub
}

func TestEmitValidates(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	_, err := s.Emit(ctx, EmitInput{Type: "poke", FromID: "a", ToID: "b"})
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = s.Emit(ctx, EmitInput{Type: domain.NotificationNewMessage, ToID: "b"})
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = s.Emit(ctx, EmitInput{Type: domain.NotificationNewMessage, FromID: "a"})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestEmitInitializesPendingUnread(t *testing.T) {
	s, pub := newTestSync(t)
	ctx := context.Background()

	n, err := s.Emit(ctx, EmitInput{Type: domain.NotificationApplication, FromID: "u1", ToID: "owner", ProjectID: "p1", ApplicationID: "a1", Title: "New application"})
	require.NoError(t, err)
	assert.False(t, n.Read)
	assert.Equal(t, domain.NotificationPending, n.Status)
	require.NotNil(t, n.ProjectID)
	assert.Equal(t, "p1", *n.ProjectID)
	assert.Nil(t, n.MissionID)
	require.Len(t, pub.sent, 1)

	stored, err := s.Repo.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Title, stored.Title)
	assert.False(t, stored.Read)
}

func TestEmitDedupeKeyIsIdempotent(t *testing.T) {
	s, pub := newTestSync(t)
	ctx := context.Background()

	in := EmitInput{Type: domain.NotificationApplicationAccepted, FromID: "owner", ToID: "u1", ApplicationID: "a1", DedupeKey: "a1:accepted"}
	first, err := s.Emit(ctx, in)
	require.NoError(t, err)
	second, err := s.Emit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, pub.sent, 1)

	page, err := s.List(ctx, "u1", Filter{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestEmitSurvivesPublisherFailure(t *testing.T) {
	s, pub := newTestSync(t)
	pub.err = errors.New("redis down")

	n, err := s.Emit(context.Background(), EmitInput{Type: domain.NotificationNewMessage, FromID: "a", ToID: "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
}

func TestReconcileRequiresRecipient(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()
	n, err := s.Emit(ctx, EmitInput{Type: domain.NotificationApplication, FromID: "u1", ToID: "owner"})
	require.NoError(t, err)

	_, err = s.Reconcile(ctx, n.ID, "u1", OutcomeAccepted)
	var forbidden permission.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, err = s.Reconcile(ctx, "missing", "owner", OutcomeRead)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Reconcile(ctx, n.ID, "owner", "maybe")
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestReconcileIsMonotonic(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()
	n, err := s.Emit(ctx, EmitInput{Type: domain.NotificationMissionApplication, FromID: "u1", ToID: "creator"})
	require.NoError(t, err)

	read, err := s.Reconcile(ctx, n.ID, "creator", OutcomeRead)
	require.NoError(t, err)
	assert.True(t, read.Read)
	assert.Equal(t, domain.NotificationRead, read.Status)

	accepted, err := s.Reconcile(ctx, n.ID, "creator", OutcomeAccepted)
	require.NoError(t, err)
	assert.True(t, accepted.Read)
	assert.Equal(t, domain.NotificationAccepted, accepted.Status)

	again, err := s.Reconcile(ctx, n.ID, "creator", OutcomeAccepted)
	require.NoError(t, err)
	assert.Equal(t, accepted.UpdatedAt, again.UpdatedAt)

	still, err := s.Reconcile(ctx, n.ID, "creator", OutcomeRead)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationAccepted, still.Status)

	_, err = s.Reconcile(ctx, n.ID, "creator", OutcomeRejected)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.ReasonAlreadyDecided, conflict.Reason)
}

func TestListPendingFiltersAndPages(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		n, err := s.Emit(ctx, EmitInput{Type: domain.NotificationNewMessage, FromID: "a", ToID: "b", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	_, err := s.Emit(ctx, EmitInput{Type: domain.NotificationNewMessage, FromID: "a", ToID: "c"})
	require.NoError(t, err)
	_, err = s.Reconcile(ctx, ids[4], "b", OutcomeRead)
	require.NoError(t, err)

	page, err := s.ListPending(ctx, "b", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[3], page.Items[0].ID)
	assert.Equal(t, ids[2], page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = s.ListPending(ctx, "b", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[1], page.Items[0].ID)
	assert.Equal(t, ids[0], page.Items[1].ID)
	assert.Empty(t, page.NextCursor)

	all, err := s.List(ctx, "b", Filter{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 5)

	_, err = s.ListPending(ctx, "b", 2, "garbage")
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestSettleOnlyTouchesRequests(t *testing.T) {
	s, _ := newTestSync(t)
	ctx := context.Background()

	request, err := s.Emit(ctx, EmitInput{Type: domain.NotificationApplication, FromID: "u1", ToID: "owner", ApplicationID: "a1"})
	require.NoError(t, err)
	outcome, err := s.Emit(ctx, EmitInput{Type: domain.NotificationApplicationAccepted, FromID: "owner", ToID: "u1", ApplicationID: "a1"})
	require.NoError(t, err)

	settled, err := s.Settle(ctx, "a1", domain.NotificationAccepted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), settled)

	got, err := s.Repo.GetNotification(ctx, request.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, domain.NotificationAccepted, got.Status)

	got, err = s.Repo.GetNotification(ctx, outcome.ID)
	require.NoError(t, err)
	assert.True(t, got.Actionable())

	settled, err = s.Settle(ctx, "a1", domain.NotificationAccepted)
	require.NoError(t, err)
	assert.Zero(t, settled)
}
