package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/logging"
)

type stubRecorder struct {
	name string
	err  error

	mu      sync.Mutex
	records []VerdictRecord
}

func (s *stubRecorder) Name() string { return s.name }

func (s *stubRecorder) Record(ctx context.Context, rec VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func TestFanoutWritesToAllRecorders(t *testing.T) {
	ok := &stubRecorder{name: "ok"}
	broken := &stubRecorder{name: "broken", err: errors.New("disk full")}

	var mu sync.Mutex
	var failed []string
	fanout := NewFanout(zap.NewNop(), func(name string) {
		mu.Lock()
		failed = append(failed, name)
		mu.Unlock()
	}, ok, broken)

	err := fanout.Record(context.Background(), VerdictRecord{SessionID: "s-1", Verified: true})
	if err == nil {
		t.Fatal("expected joined error from failing recorder")
	}
	if op, _ := logging.OperationOf(err); op != "sink.broken" {
		t.Fatalf("unexpected operation %q", op)
	}
	if len(ok.records) != 1 || len(broken.records) != 1 {
		t.Fatal("expected every recorder to receive the verdict")
	}
	if len(failed) != 1 || failed[0] != "broken" {
		t.Fatalf("unexpected error callbacks %v", failed)
	}

	var empty *Fanout
	if err := empty.Record(context.Background(), VerdictRecord{}); err != nil {
		t.Fatalf("expected nil fanout to be a no-op, got %v", err)
	}
}

type stubCache struct {
	setErrs []error
	getErrs []error
	values  map[string]string
	setKeys []string
	ttls    []time.Duration
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.ttls = append(s.ttls, expiration)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func fastRetrier() retrier {
	return retrier{logger: zap.NewNop(), retryAttempts: 3, initialBackoff: time.Millisecond, maxBackoff: 2 * time.Millisecond}
}

func TestLatestVerdictCacheRetriesTransientSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	latest := NewLatestVerdictCache(cache, time.Minute, zap.NewNop())
	latest.retry = fastRetrier()

	distance := 0.23
	rec := VerdictRecord{SessionID: "s-1", Verified: true, Distance: &distance, Seq: 4}
	if err := latest.Record(context.Background(), rec); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target the same key, got %v", cache.setKeys)
	}
	if cache.ttls[1] != time.Minute {
		t.Fatalf("unexpected ttl %s", cache.ttls[1])
	}

	got, err := latest.Latest(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Verified || got.Seq != 4 || *got.Distance != 0.23 {
		t.Fatalf("unexpected cached verdict %+v", got)
	}
}

func TestLatestVerdictCacheMiss(t *testing.T) {
	latest := NewLatestVerdictCache(&stubCache{}, time.Minute, zap.NewNop())
	latest.retry = fastRetrier()

	if _, err := latest.Latest(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestVerdictCacheReturnsOperationErrorOnFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	latest := NewLatestVerdictCache(cache, time.Minute, zap.NewNop())
	latest.retry = fastRetrier()

	err := latest.Record(context.Background(), VerdictRecord{SessionID: "s-2"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.verdict" || opErr.RequestID != "s-2" {
		t.Fatalf("unexpected operation error %+v", opErr)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected no retry for permanent error, got %d attempts", len(cache.setKeys))
	}
}

type stubToken struct {
	err      error
	complete bool
}

func (s *stubToken) Wait() bool                     { return s.complete }
func (s *stubToken) WaitTimeout(time.Duration) bool { return s.complete }
func (s *stubToken) Error() error                   { return s.err }

func (s *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type stubPublisher struct {
	topic   string
	payload []byte
	token   *stubToken
}

func (s *stubPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	s.topic = topic
	s.payload = payload.([]byte)
	return s.token
}

func TestMQTTPublisherPublishesJSON(t *testing.T) {
	pub := &stubPublisher{token: &stubToken{complete: true}}
	p := NewMQTTPublisher(pub, "facecheck/verdicts", zap.NewNop())

	if err := p.Record(context.Background(), VerdictRecord{SessionID: "s-1", Verified: false, Seq: 9}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.topic != "facecheck/verdicts" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	var decoded VerdictRecord
	if err := json.Unmarshal(pub.payload, &decoded); err != nil || decoded.Seq != 9 {
		t.Fatalf("unexpected payload %s err=%v", pub.payload, err)
	}

	pub.token = &stubToken{complete: false}
	if err := p.Record(context.Background(), VerdictRecord{}); !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
