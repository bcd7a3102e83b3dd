package webhook

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb)
}

func TestStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sub := &Subscription{
		ID:     "wh-1",
		URL:    "https://example.com/hook",
		Events: []string{"job_completed"},
		Secret: "s3cr3t",
		Retry:  DefaultRetryPolicy(),
	}
	require.NoError(t, store.Put(ctx, sub))

	got, err := store.Get(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.Equal(t, []string{"job_completed"}, got.Events)

	_, err = store.Get(ctx, "does-not-exist")
	assert.Error(t, err)

	sub2 := &Subscription{ID: "wh-2", URL: "https://example.com/other", Events: []string{"*"}}
	require.NoError(t, store.Put(ctx, sub2))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "wh-1"))
	remaining, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "wh-2", remaining[0].ID)

	_, err = store.Get(ctx, "wh-1")
	assert.Error(t, err)
}

func TestStoreListEmpty(t *testing.T) {
	store := newTestStore(t)
	subs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionWantsEvent(t *testing.T) {
	cases := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{"exact match", []string{"job_completed", "job_failed"}, "job_completed", true},
		{"no match", []string{"job_completed"}, "job_failed", false},
		{"wildcard", []string{"*"}, "job_started", true},
		{"empty events", nil, "job_completed", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &Subscription{Events: tc.events}
			assert.Equal(t, tc.want, sub.wantsEvent(tc.event))
		})
	}
}

func TestSubscriptionMatches(t *testing.T) {
	minPriority := int64(5)

	cases := []struct {
		name   string
		filter Filter
		fields map[string]string
		want   bool
	}{
		{
			name:   "no filter matches anything",
			filter: Filter{},
			fields: map[string]string{"job_type": "inference"},
			want:   true,
		},
		{
			name:   "job type mismatch",
			filter: Filter{JobType: "inference"},
			fields: map[string]string{"job_type": "training"},
			want:   false,
		},
		{
			name:   "worker id mismatch",
			filter: Filter{WorkerID: "worker-1"},
			fields: map[string]string{"worker_id": "worker-2"},
			want:   false,
		},
		{
			name:   "machine id prefix match",
			filter: Filter{MachineIDPrefix: "gpu-"},
			fields: map[string]string{"machine_id": "gpu-01"},
			want:   true,
		},
		{
			name:   "machine id prefix mismatch",
			filter: Filter{MachineIDPrefix: "gpu-"},
			fields: map[string]string{"machine_id": "cpu-01"},
			want:   false,
		},
		{
			name:   "min priority satisfied",
			filter: Filter{MinPriority: &minPriority},
			fields: map[string]string{"priority": "10"},
			want:   true,
		},
		{
			name:   "min priority not satisfied",
			filter: Filter{MinPriority: &minPriority},
			fields: map[string]string{"priority": "1"},
			want:   false,
		},
		{
			name:   "custom key match",
			filter: Filter{CustomKeys: map[string]string{"tenant": "acme"}},
			fields: map[string]string{"ctx": `{"tenant":"acme"}`},
			want:   true,
		},
		{
			name:   "custom key mismatch",
			filter: Filter{CustomKeys: map[string]string{"tenant": "acme"}},
			fields: map[string]string{"ctx": `{"tenant":"other"}`},
			want:   false,
		},
		{
			name:   "custom key missing",
			filter: Filter{CustomKeys: map[string]string{"tenant": "acme"}},
			fields: map[string]string{"ctx": `{}`},
			want:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &Subscription{Filter: tc.filter}
			assert.Equal(t, tc.want, sub.matches(tc.fields))
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Greater(t, p.BaseBackoff.Seconds(), 0.0)
	assert.Greater(t, p.MaxBackoff, p.BaseBackoff)
}
