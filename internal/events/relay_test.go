package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type recordingPublisher struct {
	got    []string
	failOn string
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	if evt.Type == p.failOn {
		return errors.New("broker down")
	}
	p.got = append(p.got, evt.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

// relayClock is moved by hand to step over the settle window.
type relayClock struct{ t time.Time }

func (c *relayClock) Now() time.Time { return c.t }

func newClock() *relayClock {
	return &relayClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func cursorOf(t *testing.T, r repo.Repo, name string) int64 {
	t.Helper()
	cur, err := r.EventCursor(context.Background(), r.DB, name)
	if errors.Is(err, repo.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return cur
}

func appendEvents(t *testing.T, r repo.Repo, types ...string) {
	t.Helper()
	w := events.Writer{Dialect: r.Dialect}
	for _, typ := range types {
		require.NoError(t, w.Append(context.Background(), r.DB, typ, "p1", "stage", "s1", "alice", events.EventPayload{"n": typ}))
	}
}

func TestRelayAdvancesCursorOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, "stage.started", "tolerance.exception_raised", "stage.completed")

	clock := newClock()
	pub := &recordingPublisher{failOn: "tolerance.exception_raised"}
	relay := &events.Relay{Repo: r, Publisher: pub, Name: "test", SettleWindow: time.Minute, Now: clock.Now}

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"stage.started"}, pub.got)
	require.Zero(t, cursorOf(t, r, "test"))

	clock.t = clock.t.Add(2 * time.Minute)
	_, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, cursorOf(t, r, "test"))

	pub.failOn = ""
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"stage.started", "tolerance.exception_raised", "stage.completed"}, pub.got)

	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelayFilterSkipsButAdvances(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, "stage.started", "stage_gate.approved")

	clock := newClock()
	pub := &recordingPublisher{}
	relay := &events.Relay{Repo: r, Publisher: pub, Name: "gates", Filter: events.NewFilter([]string{"stage_gate.approved"}), Now: clock.Now}
	_, err := relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"stage_gate.approved"}, pub.got)

	clock.t = clock.t.Add(time.Hour)
	_, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, cursorOf(t, r, "gates"))
}

func TestRelayDeliversEventsThatCommitOutOfOrder(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, "stage.started", "work_package.created", "stage.completed")

	// Event 2 stands in for a transaction that took its id first but commits last.
	var late struct{ ts, typ, payload string }
	require.NoError(t, r.DB.QueryRow(`SELECT ts,type,payload_json FROM events WHERE id=2`).Scan(&late.ts, &late.typ, &late.payload))
	_, err := r.DB.Exec(`DELETE FROM events WHERE id=2`)
	require.NoError(t, err)

	clock := newClock()
	pub := &recordingPublisher{}
	relay := &events.Relay{Repo: r, Publisher: pub, Name: "ooo", SettleWindow: time.Minute, Now: clock.Now}
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"stage.started", "stage.completed"}, pub.got)

	clock.t = clock.t.Add(10 * time.Second)
	_, err = r.DB.Exec(`INSERT INTO events(id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (2,?,?,'p1','stage','s1','alice',?)`,
		late.ts, late.typ, late.payload)
	require.NoError(t, err)

	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"stage.started", "stage.completed", "work_package.created"}, pub.got)
	require.Zero(t, cursorOf(t, r, "ooo"))

	clock.t = clock.t.Add(2 * time.Minute)
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 3, cursorOf(t, r, "ooo"))

	var left int
	require.NoError(t, r.DB.QueryRow(`SELECT COUNT(*) FROM event_deliveries WHERE consumer='ooo'`).Scan(&left))
	require.Zero(t, left)
}

func TestRelayCursorStaysBelowPendingEvents(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, "stage.started", "stage.completed")

	// Event 1 keeps failing while event 2 was already handled.
	require.NoError(t, r.MarkEventDelivered(ctx, r.DB, "stuck", 2, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	pub := &recordingPublisher{failOn: "stage.started"}
	relay := &events.Relay{Repo: r, Publisher: pub, Name: "stuck", Now: newClock().Now}
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, cursorOf(t, r, "stuck"))
}

func TestRelayStartAtLatest(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	appendEvents(t, r, "stage.started")

	pub := &recordingPublisher{}
	relay := &events.Relay{Repo: r, Publisher: pub, Name: "fresh", StartAtLatest: true}
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	appendEvents(t, r, "stage.completed")
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"stage.completed"}, pub.got)
}

func TestWebhookPublisher(t *testing.T) {
	var got events.Message
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := events.NewWebhookPublisher(srv.URL, "s3cret")
	evt := domain.Event{ID: 7, Type: "document.approved", ProjectID: "p1", EntityKind: "document", EntityID: "d1", ActorID: "alice", Payload: `{"version":2}`}
	require.NoError(t, pub.Publish(context.Background(), evt))
	require.Equal(t, "document.approved", got.Type)
	require.JSONEq(t, `{"version":2}`, string(got.Payload))
	require.Equal(t, "7", header.Get("X-Stageline-Delivery"))
	require.Equal(t, "s3cret", header.Get("X-Stageline-Secret"))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()
	require.Error(t, events.NewWebhookPublisher(failing.URL, "").Publish(context.Background(), evt))
}
