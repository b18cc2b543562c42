// Package eventstream reads JSON-lines notifications and dispatches them to
// a handler on partitioned workers.
//
// Notifications of one transaction always land on the same worker, so they
// are handled in input order while different transactions run in parallel.
package eventstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/eventprocessor"
)

const (
	maxLineSize   = 4 << 20
	partitionSize = 256
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type batchJob struct {
	transactionID string
	name          string
}

// Handler handles decoded notifications.
type Handler interface {
	HandleNotification(n *eventprocessor.Notification) error
}

// Stats counts notifications by outcome.
type Stats struct {
	Handled   int64
	Failed    int64
	Malformed int64
}

// Stream reads notifications from a reader and dispatches them to a handler.
type Stream struct {
	reader  io.Reader
	handler Handler
	workers int
	logger  *zap.Logger

	partitions []chan *eventprocessor.Notification
	group      *errgroup.Group
	cancel     context.CancelFunc
	readerDone chan struct{}
	readErr    error
	stopOnce   sync.Once

	// jobs maps a batch job instance id to its job, so events carrying only
	// the instance id share the job's partition. Owned by the reader.
	jobs map[string]batchJob

	handled   atomic.Int64
	failed    atomic.Int64
	malformed atomic.Int64
}

// New creates a new Stream reading from reader with the given number of
// workers.
func New(reader io.Reader, handler Handler, workers int, logger *zap.Logger) *Stream {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		reader:  reader,
		handler: handler,
		workers: workers,
		logger:  logger,
		jobs:    make(map[string]batchJob),
	}
}

// Start begins reading in the background. It returns immediately; Wait
// blocks until the input is exhausted and every notification handled.
func (s *Stream) Start(ctx context.Context) error {
	if s.group != nil {
		return errors.New("stream already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	s.readerDone = make(chan struct{})

	s.partitions = make([]chan *eventprocessor.Notification, s.workers)
	for i := range s.partitions {
		ch := make(chan *eventprocessor.Notification, partitionSize)
		s.partitions[i] = ch
		group.Go(func() error {
			s.work(gctx, ch)
			return nil
		})
	}

	// The reader is not part of the group: a blocked Read cannot observe
	// cancellation, and Stop must still return.
	go s.read(gctx)
	return nil
}

// Wait blocks until all workers have exited and returns the read error, if
// any.
func (s *Stream) Wait() error {
	if s.group == nil {
		return errors.New("stream not started")
	}
	err := s.group.Wait()
	select {
	case <-s.readerDone:
		if s.readErr != nil {
			return s.readErr
		}
	default:
	}
	return err
}

// Stop cancels processing, closes the reader when it is an io.Closer, and
// waits for the workers.
func (s *Stream) Stop() error {
	if s.group == nil {
		return nil
	}
	var closeErr error
	s.stopOnce.Do(func() {
		s.cancel()
		if c, ok := s.reader.(io.Closer); ok {
			closeErr = c.Close()
		}
	})
	if err := s.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return closeErr
}

// Stats returns a snapshot of the counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Handled:   s.handled.Load(),
		Failed:    s.failed.Load(),
		Malformed: s.malformed.Load(),
	}
}

func (s *Stream) partition(key string) chan *eventprocessor.Notification {
	return s.partitions[xxhash.Sum64String(key)%uint64(len(s.partitions))]
}

// partitionKey resolves instance-only batch events to their job's
// transaction id. A job is forgotten when its root ends.
func (s *Stream) partitionKey(n *eventprocessor.Notification) string {
	instance := n.Event.Tags[event.TagBatchJobInstanceID]
	if instance == "" {
		return n.PartitionKey()
	}
	if n.StartsBatchJob() {
		s.jobs[instance] = batchJob{transactionID: n.Event.TransactionID, name: n.Event.Name}
		return n.Event.TransactionID
	}
	job, ok := s.jobs[instance]
	if !ok {
		return n.PartitionKey()
	}
	if n.Type == eventprocessor.TypeTransactionEnd && n.Event.Name == job.name {
		delete(s.jobs, instance)
	}
	if n.Event.TransactionID != "" {
		return n.Event.TransactionID
	}
	return job.transactionID
}

// read decodes lines and hands them to their partition until EOF or
// cancellation, then closes every partition.
func (s *Stream) read(ctx context.Context) {
	defer func() {
		for _, ch := range s.partitions {
			close(ch)
		}
	}()
	defer close(s.readerDone)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		n := new(eventprocessor.Notification)
		if err := json.Unmarshal(raw, n); err != nil {
			s.malformed.Add(1)
			s.logger.Warn("Skipping malformed notification", zap.Int("line", line), zap.Error(err))
			continue
		}

		select {
		case s.partition(s.partitionKey(n)) <- n:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.readErr = fmt.Errorf("reading notifications: %w", err)
	}
}

func (s *Stream) work(ctx context.Context, ch <-chan *eventprocessor.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := s.handler.HandleNotification(n); err != nil {
				s.failed.Add(1)
				s.logger.Debug("Notification not handled",
					zap.String("type", n.Type),
					zap.String("transactionID", n.Event.TransactionID),
					zap.Error(err))
				continue
			}
			s.handled.Add(1)
		}
	}
}
