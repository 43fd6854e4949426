package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"files-manager/internal/blob"
	"files-manager/internal/models"
	"files-manager/internal/observability/logging"
)

const (
	defaultWorkers       = 2
	defaultJobTimeout    = 2 * time.Minute
	defaultFailureBuffer = 64
	ackTimeout           = 5 * time.Second
)

// Job outcomes reported to the Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomePartial   = "partial"
	OutcomePermanent = "permanent"
	OutcomeError     = "error"
)

// FileResolver looks a node up on behalf of its owner.
type FileResolver interface {
	Get(ctx context.Context, id, ownerID string) (models.FileNode, bool, error)
}

// Observer receives job lifecycle events. *metrics.Recorder satisfies it.
type Observer interface {
	ThumbnailJobStarted()
	ThumbnailJobFinished(outcome string, duration time.Duration)
	ThumbnailVariantWritten(width int)
	FailureNotificationDropped()
}

type ProcessorConfig struct {
	Queue         Queue
	Files         FileResolver
	Blobs         blob.Store
	Resizer       Resizer
	Widths        []int
	Workers       int
	Timeout       time.Duration
	FailureBuffer int
	Logger        *slog.Logger
	Metrics       Observer
	OnFailure     func(Failure)
}

// Processor consumes thumbnail jobs and writes one variant per width next
// to the original content.
type Processor struct {
	queue     Queue
	files     FileResolver
	blobs     blob.Store
	resizer   Resizer
	widths    []int
	workers   int
	timeout   time.Duration
	logger    *slog.Logger
	metrics   Observer
	onFailure func(Failure)
	failures  chan Failure

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Queue == nil {
		return nil, errors.New("thumbnail queue is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("file resolver is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	resizer := cfg.Resizer
	if resizer == nil {
		resizer = NewImagingResizer()
	}
	widths := append([]int(nil), cfg.Widths...)
	if len(widths) == 0 {
		widths = append(widths, Widths...)
	}
	for _, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("invalid thumbnail width %d", w)
		}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	buffer := cfg.FailureBuffer
	if buffer <= 0 {
		buffer = defaultFailureBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:     cfg.Queue,
		files:     cfg.Files,
		blobs:     cfg.Blobs,
		resizer:   resizer,
		widths:    widths,
		workers:   workers,
		timeout:   timeout,
		logger:    logger,
		metrics:   cfg.Metrics,
		onFailure: cfg.OnFailure,
		failures:  make(chan Failure, buffer),
	}, nil
}

// Failures exposes failure notifications. When nobody drains the channel
// and it fills up, further notifications are dropped and logged.
func (p *Processor) Failures() <-chan Failure {
	return p.failures
}

// Run consumes the queue with the configured number of workers until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	deliveries, err := p.queue.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe thumbnail queue: %w", err)
	}
	p.logger.Info("thumbnail workers started", "workers", p.workers, "widths", p.widths)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, deliveries)
		}()
	}
	wg.Wait()
	p.logger.Info("thumbnail workers stopped")
	return nil
}

// Start runs the workers in the background until Shutdown.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.Run(ctx); err != nil {
			p.logger.Error("thumbnail workers failed", "error", err)
		}
	}()
}

// Shutdown stops the workers started by Start and waits for in-flight jobs.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) worker(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, d)
		}
	}
}

func (p *Processor) handle(ctx context.Context, d Delivery) {
	ctx = logging.ContextWithJobID(ctx, d.ID)
	ctx = logging.ContextWithUserID(ctx, d.Job.UserID)
	logger := logging.WithContext(ctx, p.logger).With("file_id", d.Job.FileID)

	// Jobs are not deduplicated: variant writes are idempotent overwrites.
	if p.metrics != nil {
		p.metrics.ThumbnailJobStarted()
	}
	start := time.Now()
	err := p.Process(ctx, d.Job)
	outcome := outcomeOf(err)
	if p.metrics != nil {
		p.metrics.ThumbnailJobFinished(outcome, time.Since(start))
	}

	if err != nil && ctx.Err() != nil {
		// Left unacknowledged so it is delivered again after restart.
		logger.Warn("thumbnail job interrupted", "error", err)
		return
	}
	if err != nil {
		logger.Error("thumbnail job failed", "outcome", outcome, "error", err)
		p.reportFailure(newFailure(d, err, time.Now().UTC()), logger)
	} else {
		logger.Info("thumbnail job completed", "duration_ms", time.Since(start).Milliseconds())
	}
	p.ack(d, logger)
}

func (p *Processor) ack(d Delivery, logger *slog.Logger) {
	if d.Ack == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := d.Ack(ctx); err != nil {
		logger.Warn("thumbnail job ack failed", "error", err)
	}
}

func (p *Processor) reportFailure(f Failure, logger *slog.Logger) {
	if p.onFailure != nil {
		p.onFailure(f)
	}
	select {
	case p.failures <- f:
	default:
		logger.Warn("thumbnail failure notification dropped", "error", f.Err)
		if p.metrics != nil {
			p.metrics.FailureNotificationDropped()
		}
	}
}

func outcomeOf(err error) string {
	var partial *PartialError
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrPermanent):
		return OutcomePermanent
	case errors.As(err, &partial):
		return OutcomePartial
	default:
		return OutcomeError
	}
}

// Process generates every variant for job. Failures that cannot change on a
// later attempt wrap ErrPermanent; a subset of failed widths is reported as
// *PartialError.
func (p *Processor) Process(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	node, ok, err := p.files.Get(ctx, job.FileID, job.UserID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", job.FileID, err)
	}
	if !ok {
		return fmt.Errorf("%w: file %s not found for user %s", ErrPermanent, job.FileID, job.UserID)
	}
	if node.Kind != models.KindImage || node.LocalPath == "" {
		return fmt.Errorf("%w: file %s is not an image", ErrPermanent, job.FileID)
	}

	data, err := p.blobs.Read(ctx, node.LocalPath)
	if errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("%w: content of %s is missing", ErrPermanent, job.FileID)
	}
	if err != nil {
		return fmt.Errorf("read original %s: %w", job.FileID, err)
	}
	src, err := p.resizer.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	errs := make([]error, len(p.widths))
	var g errgroup.Group
	for i, width := range p.widths {
		i, width := i, width
		g.Go(func() error {
			errs[i] = p.writeVariant(ctx, src, node.LocalPath, width)
			return nil
		})
	}
	_ = g.Wait()

	var failed []int
	var joined []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, p.widths[i])
			joined = append(joined, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(failed)))
	return &PartialError{FailedWidths: failed, Err: errors.Join(joined...)}
}

func (p *Processor) writeVariant(ctx context.Context, src Source, localPath string, width int) error {
	out, err := src.Resize(width)
	if err != nil {
		return fmt.Errorf("resize %d: %w", width, err)
	}
	if err := p.blobs.Overwrite(ctx, blob.VariantPath(localPath, width), out); err != nil {
		return fmt.Errorf("write variant %d: %w", width, err)
	}
	if p.metrics != nil {
		p.metrics.ThumbnailVariantWritten(width)
	}
	return nil
}
