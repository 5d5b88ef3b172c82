package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/store"
)

type fakeSubscription struct {
	conn    *fakeConn
	subject string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.handlers, s.subject)
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	queues   map[string]string
	fail     map[string]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]nats.MsgHandler),
		queues:   make(map[string]string),
		fail:     make(map[string]bool),
	}
}

func (c *fakeConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[subject] {
		return nil, errors.New("permissions violation")
	}
	c.handlers[subject] = cb
	c.queues[subject] = queue
	return &fakeSubscription{conn: c, subject: subject}, nil
}

func (c *fakeConn) publish(subject string, data []byte) bool {
	c.mu.Lock()
	cb, ok := c.handlers[subject]
	c.mu.Unlock()
	if ok {
		cb(&nats.Msg{Subject: subject, Data: data})
	}
	return ok
}

func TestSubscriber_DeliversToHandler(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	conn := newFakeConn()
	sub := NewSubscriber(conn, "gateways", f.handler, time.Second, nil)
	require.NoError(t, sub.Sync())

	assert.ElementsMatch(t, []string{"tenant.changed", "catalog.changed"}, sub.Subjects())
	assert.Equal(t, "gateways", conn.queues["tenant.changed"])

	md := f.put(t, "tenant-by-id", "/tenants/acme", "acme")
	require.True(t, conn.publish("tenant.changed", []byte(`{"tenantId":"acme"}`)))
	assert.False(t, f.cached(md))
}

func TestSubscriber_SyncFollowsBindings(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	conn := newFakeConn()
	sub := NewSubscriber(conn, "gateways", f.handler, 0, nil)
	require.NoError(t, sub.Sync())
	require.NoError(t, sub.Sync(), "sync is idempotent")

	f.handler.SetBindings([]Binding{{Subject: "plans.changed", Kind: config.InvalidationKindCatalog, Routes: []string{"catalog-plans"}}})
	require.NoError(t, sub.Sync())

	assert.Equal(t, []string{"plans.changed"}, sub.Subjects())
	assert.False(t, conn.publish("tenant.changed", nil))
	assert.True(t, conn.publish("plans.changed", nil))
}

func TestSubscriber_SubscribeErrors(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	conn := newFakeConn()
	conn.fail["catalog.changed"] = true

	sub := NewSubscriber(conn, "gateways", f.handler, time.Second, nil)
	err := sub.Sync()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog.changed")
	assert.Equal(t, []string{"tenant.changed"}, sub.Subjects(), "other subjects still subscribe")

	// A later sync retries the failed subject.
	delete(conn.fail, "catalog.changed")
	require.NoError(t, sub.Sync())
	assert.Len(t, sub.Subjects(), 2)
}

func TestSubscriber_Close(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	conn := newFakeConn()
	sub := NewSubscriber(conn, "gateways", f.handler, time.Second, nil)
	require.NoError(t, sub.Sync())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.False(t, conn.publish("tenant.changed", nil))
	assert.ErrorIs(t, sub.Sync(), ErrSubscriberClosed)
}

func TestSubscriber_MessageContextIsBounded(t *testing.T) {
	t.Parallel()

	var deadline time.Time
	rec := &deadlineStore{seen: func(ctx context.Context) {
		deadline, _ = ctx.Deadline()
	}}
	f := newHandlerFixture(t, rec)
	conn := newFakeConn()
	sub := NewSubscriber(conn, "gateways", f.handler, 50*time.Millisecond, nil)
	require.NoError(t, sub.Sync())

	before := time.Now()
	conn.publish("catalog.changed", nil)
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, before.Add(50*time.Millisecond), deadline, time.Second)
}

type deadlineStore struct {
	store.Store
	seen func(context.Context)
}

func (s *deadlineStore) SetMembers(ctx context.Context, _ string) ([]string, error) {
	s.seen(ctx)
	return nil, nil
}

func (s *deadlineStore) Delete(context.Context, ...string) error {
	return nil
}

func TestConnect_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := Connect(nil, nil)
	assert.Error(t, err)
}
