package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/tracking"
)

type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		s.mu.Lock()
		if len(s.msgs) > 0 {
			msg := s.msgs[0]
			s.msgs = s.msgs[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// flakyStore fails UpsertIfAbsent a fixed number of times before
// delegating to the wrapped store.
type flakyStore struct {
	tracking.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) UpsertIfAbsent(ctx context.Context, rec tracking.Record) (bool, error) {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return false, errors.New("store unavailable")
	}
	return s.Store.UpsertIfAbsent(ctx, rec)
}

func encodedMessage(t *testing.T, evt events.ChangeEvent) kafka.Message {
	t.Helper()
	data, err := events.Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return kafka.Message{
		Key:   []byte(evt.PartitionKey()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	}
}

func runConsumer(t *testing.T, store tracking.Store, source *fakeSource) (cancel func(), done chan struct{}, c *Consumer) {
	t.Helper()
	c = newWith(slog.New(slog.NewTextHandler(io.Discard, nil)), store, source, Config{
		StoreBackoff:     time.Millisecond,
		MaxStoreAttempts: 3,
	})
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return cancelCtx, done, c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsumeDuplicateDeliveryIsIdempotent(t *testing.T) {
	evt := events.New(events.EventUpdated, events.KindBook, "42", map[string]any{"title": "New Title"})
	msg := encodedMessage(t, evt)

	store := tracking.NewMemory()
	source := &fakeSource{msgs: []kafka.Message{msg, msg}}

	cancel, done, _ := runConsumer(t, store, source)
	waitFor(t, "both deliveries committed", func() bool { return source.commitCount() == 2 })
	cancel()
	<-done

	if store.Len() != 1 {
		t.Fatalf("expected exactly 1 tracking record, got %d", store.Len())
	}
	recs, err := store.ListByEntity(context.Background(), events.KindBook, "42")
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(recs) != 1 || recs[0].EventID != evt.EventID {
		t.Fatalf("record mismatch: %+v", recs)
	}
}

func TestConsumePoisonMessageSkipped(t *testing.T) {
	poison := kafka.Message{Value: []byte(`{"event_type":"entity-created"}`)}

	store := tracking.NewMemory()
	source := &fakeSource{msgs: []kafka.Message{poison}}

	cancel, done, _ := runConsumer(t, store, source)
	waitFor(t, "poison committed", func() bool { return source.commitCount() == 1 })
	cancel()
	<-done

	if store.Len() != 0 {
		t.Fatalf("poison must produce zero records, got %d", store.Len())
	}
}

func TestConsumeRetriesTransientStoreFailure(t *testing.T) {
	evt := events.New(events.EventCreated, events.KindAuthor, "7", nil)
	msg := encodedMessage(t, evt)

	store := &flakyStore{Store: tracking.NewMemory(), failures: 2}
	source := &fakeSource{msgs: []kafka.Message{msg}}

	cancel, done, _ := runConsumer(t, store, source)
	waitFor(t, "commit after store recovery", func() bool { return source.commitCount() == 1 })
	cancel()
	<-done

	store.mu.Lock()
	attempts := store.attempts
	store.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 store attempts, got %d", attempts)
	}
	exists, err := store.Exists(context.Background(), evt.EventID)
	if err != nil || !exists {
		t.Fatalf("record must exist after recovery (exists=%v err=%v)", exists, err)
	}
}

func TestConsumeDoesNotCommitWhileStoreDown(t *testing.T) {
	evt := events.New(events.EventCreated, events.KindBook, "1", nil)
	msg := encodedMessage(t, evt)

	store := &flakyStore{Store: tracking.NewMemory(), failures: 1 << 30}
	source := &fakeSource{msgs: []kafka.Message{msg}}

	cancel, done, _ := runConsumer(t, store, source)
	waitFor(t, "a few failed store attempts", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.attempts >= 4
	})
	if source.commitCount() != 0 {
		t.Fatal("progress must not be committed while persistence fails")
	}
	cancel()
	<-done
}

func TestConsumePreservesPerEntityOrder(t *testing.T) {
	base := time.Now().UTC()
	first := events.ChangeEvent{
		EventID: "e-1", EventType: events.EventCreated, EntityKind: events.KindBook,
		EntityID: "42", OccurredAt: base, SchemaVersion: events.SchemaVersion,
	}
	second := events.ChangeEvent{
		EventID: "e-2", EventType: events.EventUpdated, EntityKind: events.KindBook,
		EntityID: "42", OccurredAt: base.Add(time.Second), SchemaVersion: events.SchemaVersion,
	}

	store := tracking.NewMemory()
	source := &fakeSource{msgs: []kafka.Message{encodedMessage(t, first), encodedMessage(t, second)}}

	cancel, done, _ := runConsumer(t, store, source)
	waitFor(t, "both committed", func() bool { return source.commitCount() == 2 })
	cancel()
	<-done

	recs, err := store.ListByEntity(context.Background(), events.KindBook, "42")
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(recs) != 2 || recs[0].EventID != "e-1" || recs[1].EventID != "e-2" {
		t.Fatalf("order not preserved: %+v", recs)
	}
}

// blockingStore parks UpsertIfAbsent until released, failing instead if
// its call context is canceled first.
type blockingStore struct {
	tracking.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) UpsertIfAbsent(ctx context.Context, rec tracking.Record) (bool, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return s.Store.UpsertIfAbsent(ctx, rec)
}

func TestShutdownFinishesInFlightMessage(t *testing.T) {
	evt := events.New(events.EventUpdated, events.KindBook, "42", nil)
	msg := encodedMessage(t, evt)

	memory := tracking.NewMemory()
	store := &blockingStore{
		Store:   memory,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	source := &fakeSource{msgs: []kafka.Message{msg}}

	cancel, done, c := runConsumer(t, store, source)

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("persist never started")
	}

	// Shutdown lands while the persist is in flight; the message must
	// still be finished and committed before the loop exits.
	cancel()
	close(store.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	if memory.Len() != 1 {
		t.Fatalf("in-flight record must be persisted, got %d records", memory.Len())
	}
	if source.commitCount() != 1 {
		t.Fatalf("in-flight message must be committed, got %d commits", source.commitCount())
	}
	if c.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", c.State())
	}
}

func TestShutdownStopsCleanly(t *testing.T) {
	store := tracking.NewMemory()
	source := &fakeSource{}

	cancel, done, c := runConsumer(t, store, source)
	waitFor(t, "consumer polling", func() bool { return c.State() == StatePolling })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
	if c.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", c.State())
	}
	source.mu.Lock()
	closed := source.closed
	source.mu.Unlock()
	if !closed {
		t.Fatal("reader must be closed on shutdown")
	}
}
