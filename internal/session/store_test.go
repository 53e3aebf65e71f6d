package session

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStores(t *testing.T) {
	_, client := newRedis(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, WithPrefix("test:session:")),
		"sql":    NewSQLStore(store.NewInMemoryStore()),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, s)
		})
	}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.Get(ctx, "+100")
	require.NoError(t, err)
	assert.Nil(t, got, "unknown contact has no session")

	st := &models.SessionState{
		ContactID:     "+100",
		FlowID:        "onboarding",
		CurrentNodeID: "ask_name",
		Variables:     map[string]any{"source": "ad"},
	}
	require.NoError(t, s.Save(ctx, st))
	assert.False(t, st.UpdatedAt.IsZero(), "Save stamps UpdatedAt")

	// A second save for the same contact replaces the first: one session per contact.
	st2 := &models.SessionState{ContactID: "+100", FlowID: "support", CurrentNodeID: "ask_issue"}
	require.NoError(t, s.Save(ctx, st2))

	got, err = s.Get(ctx, "+100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "support", got.FlowID)
	assert.Equal(t, "ask_issue", got.CurrentNodeID)

	got.CurrentNodeID = "mutated"
	again, err := s.Get(ctx, "+100")
	require.NoError(t, err)
	assert.Equal(t, "ask_issue", again.CurrentNodeID, "returned values must not alias stored state")

	require.NoError(t, s.Save(ctx, &models.SessionState{ContactID: "+050", FlowID: "support"}))
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"+050", "+100"}, ids)

	require.NoError(t, s.Delete(ctx, "+100"))
	got, err = s.Get(ctx, "+100")
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"+050"}, ids)

	assert.ErrorIs(t, s.Save(ctx, &models.SessionState{}), models.ErrEmptyContact)
}

func TestRedisStoreTTLAndList(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisStore(client, WithPrefix("p:"), WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &models.SessionState{ContactID: "a", FlowID: "f"}))
	require.NoError(t, s.Save(ctx, &models.SessionState{ContactID: "b", FlowID: "f"}))
	assert.True(t, mr.Exists("p:contact:a"))
	assert.True(t, mr.TTL("p:contact:a") > 0, "sessions carry the configured TTL")

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete(ctx, "a"))
	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestRedisStoreContactNamedIndex(t *testing.T) {
	_, client := newRedis(t)
	s := NewRedisStore(client, WithPrefix("p:"))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &models.SessionState{ContactID: "a", FlowID: "f"}))
	require.NoError(t, s.Save(ctx, &models.SessionState{ContactID: "index", FlowID: "f"}))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "index"}, ids)

	got, err := s.Get(ctx, "index")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "index", got.ContactID)
}

func TestRedisLockerLockUnlock(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "+100", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:+100"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:+100"))
}

func TestRedisLockerContention(t *testing.T) {
	_, client := newRedis(t)
	l1 := NewRedisLocker(client, "test:")
	l2 := NewRedisLocker(client, "test:")
	ctx := context.Background()

	unlock1, err := l1.Lock(ctx, "+100", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = l2.Lock(short, "+100", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockAcquire, "second holder must wait while the key is held")

	require.NoError(t, unlock1(ctx))
	unlock2, err := l2.Lock(ctx, "+100", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}
