package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/pkg/types"
)

const (
	// DefaultStream is the JetStream stream used when none is configured.
	DefaultStream = "WARDEN_JOBS"
	subjectPrefix = "warden.jobs."
	fetchWait     = time.Second
)

// JetStreamStore keeps every queue as a filtered durable consumer of one
// work-queue stream. NATS tracks attempts (NumDelivered) and redelivers
// unacknowledged jobs after reserve_timeout.
type JetStreamStore struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	reserve time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	inflight  map[types.JobID]jetstream.Msg
}

// OpenJetStreamStore connects to cfg.URL and makes sure the stream exists.
func OpenJetStreamStore(ctx context.Context, cfg config.StoreConfig, reserve time.Duration, logger *zap.Logger) (*JetStreamStore, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url, nats.Name("warden-queue"))
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(stream)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: stream %s: %w", stream, err)
	}
	logger.Info("jetstream queue ready", zap.String("url", url), zap.String("stream", stream))
	return &JetStreamStore{
		nc:        nc,
		js:        js,
		stream:    stream,
		reserve:   reserve,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[types.JobID]jetstream.Msg),
	}, nil
}

func streamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
	}
}

func subjectFor(queue string) string {
	return subjectPrefix + strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(queue)
}

func consumerConfig(queue string, reserve time.Duration, tries int) jetstream.ConsumerConfig {
	maxDeliver := -1
	if tries > 0 {
		maxDeliver = tries
	}
	return jetstream.ConsumerConfig{
		Durable:       "warden-" + strings.TrimPrefix(subjectFor(queue), subjectPrefix),
		FilterSubject: subjectFor(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       reserve,
		MaxDeliver:    maxDeliver,
	}
}

func (s *JetStreamStore) consumer(ctx context.Context, queue string, tries int) (jetstream.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[queue]; ok {
		return c, nil
	}
	c, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, consumerConfig(queue, s.reserve, tries))
	if err != nil {
		return nil, err
	}
	s.consumers[queue] = c
	return c, nil
}

func (s *JetStreamStore) Push(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = newJobID()
	}
	now := time.Now()
	job.CreatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.Status = types.StatusPending
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	ack, err := s.js.Publish(ctx, subjectFor(job.Queue), data, jetstream.WithMsgID(string(job.ID)))
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	if ack.Duplicate {
		return ErrDuplicateJob
	}
	return nil
}

func (s *JetStreamStore) Claim(ctx context.Context, queue string, delay time.Duration, tries int) (*types.Job, error) {
	c, err := s.consumer(ctx, queue, tries)
	if err != nil {
		return nil, fmt.Errorf("queue: consumer %s: %w", queue, err)
	}
	batch, err := c.Fetch(1, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return nil, fmt.Errorf("queue: fetch %s: %w", queue, err)
	}
	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("queue: fetch %s: %w", queue, err)
	}
	if msg == nil {
		return nil, nil
	}

	job := new(types.Job)
	if err := json.Unmarshal(msg.Data(), job); err != nil {
		// 無法解碼的訊息永遠不會成功
		_ = msg.Term()
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Nak()
		return nil, fmt.Errorf("queue: metadata: %w", err)
	}
	now := time.Now()
	wait := job.AvailableAt.Sub(now)
	if d := job.CreatedAt.Add(delay).Sub(now); d > wait {
		wait = d
	}
	if wait > 0 {
		// not yet claimable; hand it back without counting
		_ = msg.NakWithDelay(wait)
		return nil, nil
	}

	job.Status = types.StatusReserved
	job.Attempts = int(meta.NumDelivered)
	job.ReservedAt = &now
	s.mu.Lock()
	s.inflight[job.ID] = msg
	s.mu.Unlock()
	return job, nil
}

func (s *JetStreamStore) take(id types.JobID) (jetstream.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inflight[id]
	if !ok {
		return nil, ErrNotReserved
	}
	delete(s.inflight, id)
	return msg, nil
}

func (s *JetStreamStore) Complete(_ context.Context, id types.JobID) error {
	msg, err := s.take(id)
	if err != nil {
		return err
	}
	return msg.Ack()
}

func (s *JetStreamStore) Fail(_ context.Context, id types.JobID, cause error, tries int) error {
	msg, err := s.take(id)
	if err != nil {
		return err
	}
	meta, err := msg.Metadata()
	if err == nil && exhausted(int(meta.NumDelivered), tries) {
		s.logger.Warn("job failed permanently", zap.String("job", string(id)), zap.Error(cause))
		return msg.Term()
	}
	return msg.Nak()
}

// Get only knows jobs this process holds; the stream is the source of truth.
func (s *JetStreamStore) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.Lock()
	msg, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	job := new(types.Job)
	if err := json.Unmarshal(msg.Data(), job); err != nil {
		return nil, err
	}
	job.Status = types.StatusReserved
	return job, nil
}

// Stats reports pending and reserved counts; done and failed jobs are not
// retained by a work-queue stream.
func (s *JetStreamStore) Stats(ctx context.Context, queue string) (Stats, error) {
	c, err := s.consumer(ctx, queue, 0)
	if err != nil {
		return Stats{}, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: int(info.NumPending), Reserved: info.NumAckPending}, nil
}

func (s *JetStreamStore) Close() error {
	return s.nc.Drain()
}
