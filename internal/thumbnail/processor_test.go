package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"files-manager/internal/blob"
	"files-manager/internal/models"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/storage"
)

type fixture struct {
	files *storage.Files
	blobs *blob.LocalStore
	user  models.User
	other models.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := storage.NewMemoryRepository()
	creds := storage.NewCredentials(repo)
	user, err := creds.Create(context.Background(), "owner@example.com", "pw")
	require.NoError(t, err)
	other, err := creds.Create(context.Background(), "other@example.com", "pw")
	require.NoError(t, err)
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return fixture{files: storage.NewFiles(repo), blobs: blobs, user: user, other: other}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f fixture) createNode(t *testing.T, kind models.Kind, data []byte) models.FileNode {
	t.Helper()
	ctx := context.Background()
	path, err := f.blobs.Write(ctx, data)
	require.NoError(t, err)
	node, err := f.files.Create(ctx, storage.CreateFileParams{
		OwnerID:   f.user.ID,
		Name:      "photo.png",
		Kind:      kind,
		LocalPath: path,
	})
	require.NoError(t, err)
	return node
}

func (f fixture) processor(t *testing.T, cfg ProcessorConfig) *Processor {
	t.Helper()
	if cfg.Queue == nil {
		cfg.Queue = NewMemoryQueue(8)
	}
	if cfg.Files == nil {
		cfg.Files = f.files
	}
	if cfg.Blobs == nil {
		cfg.Blobs = f.blobs
	}
	p, err := NewProcessor(cfg)
	require.NoError(t, err)
	return p
}

func variantWidth(t *testing.T, store blob.Store, path string, width int) int {
	t.Helper()
	data, err := store.Read(context.Background(), blob.VariantPath(path, width))
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width
}

func TestProcessWritesEveryVariant(t *testing.T) {
	f := newFixture(t)
	node := f.createNode(t, models.KindImage, pngBytes(t, 800, 400))
	recorder := metrics.New()
	p := f.processor(t, ProcessorConfig{Metrics: recorder})

	require.NoError(t, p.Process(context.Background(), Job{FileID: node.ID, UserID: f.user.ID}))

	assert.Equal(t, 500, variantWidth(t, f.blobs, node.LocalPath, 500))
	assert.Equal(t, 250, variantWidth(t, f.blobs, node.LocalPath, 250))
	assert.Equal(t, 100, variantWidth(t, f.blobs, node.LocalPath, 100))
	assert.Equal(t, map[int]uint64{500: 1, 250: 1, 100: 1}, recorder.ThumbnailVariantCounts())
}

func TestProcessDoesNotUpscale(t *testing.T) {
	f := newFixture(t)
	node := f.createNode(t, models.KindImage, pngBytes(t, 180, 90))
	p := f.processor(t, ProcessorConfig{})

	require.NoError(t, p.Process(context.Background(), Job{FileID: node.ID, UserID: f.user.ID}))

	assert.Equal(t, 180, variantWidth(t, f.blobs, node.LocalPath, 500))
	assert.Equal(t, 180, variantWidth(t, f.blobs, node.LocalPath, 250))
	assert.Equal(t, 100, variantWidth(t, f.blobs, node.LocalPath, 100))
}

func TestProcessRejectsForeignOwner(t *testing.T) {
	f := newFixture(t)
	node := f.createNode(t, models.KindImage, pngBytes(t, 600, 300))
	p := f.processor(t, ProcessorConfig{})

	err := p.Process(context.Background(), Job{FileID: node.ID, UserID: f.other.ID})
	require.ErrorIs(t, err, ErrPermanent)

	for _, width := range Widths {
		_, err := f.blobs.Read(context.Background(), blob.VariantPath(node.LocalPath, width))
		assert.ErrorIs(t, err, blob.ErrNotFound, "width %d", width)
	}
}

func TestProcessPermanentFailures(t *testing.T) {
	f := newFixture(t)
	plain := f.createNode(t, models.KindFile, []byte("just text"))
	garbage := f.createNode(t, models.KindImage, []byte("not an image at all"))
	missing := f.createNode(t, models.KindImage, pngBytes(t, 10, 10))
	require.NoError(t, f.blobs.Delete(context.Background(), missing.LocalPath))
	p := f.processor(t, ProcessorConfig{})

	cases := map[string]Job{
		"missing file id": {UserID: f.user.ID},
		"missing user id": {FileID: plain.ID},
		"unknown file":    {FileID: "does-not-exist", UserID: f.user.ID},
		"not an image":    {FileID: plain.ID, UserID: f.user.ID},
		"undecodable":     {FileID: garbage.ID, UserID: f.user.ID},
		"missing content": {FileID: missing.ID, UserID: f.user.ID},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			err := p.Process(context.Background(), job)
			assert.ErrorIs(t, err, ErrPermanent)
			assert.Equal(t, OutcomePermanent, outcomeOf(err))
		})
	}
}

type flakyStore struct {
	blob.Store
	failSuffix string
}

func (s flakyStore) Overwrite(ctx context.Context, path string, data []byte) error {
	if strings.HasSuffix(path, s.failSuffix) {
		return errors.New("disk full")
	}
	return s.Store.Overwrite(ctx, path, data)
}

func TestProcessReportsPartialFailure(t *testing.T) {
	f := newFixture(t)
	node := f.createNode(t, models.KindImage, pngBytes(t, 640, 480))
	p := f.processor(t, ProcessorConfig{Blobs: flakyStore{Store: f.blobs, failSuffix: "_250"}})

	err := p.Process(context.Background(), Job{FileID: node.ID, UserID: f.user.ID})
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{250}, partial.FailedWidths)
	assert.NotErrorIs(t, err, ErrPermanent)

	assert.Equal(t, 500, variantWidth(t, f.blobs, node.LocalPath, 500))
	assert.Equal(t, 100, variantWidth(t, f.blobs, node.LocalPath, 100))
}

func TestProcessorRunAcknowledgesAndReportsFailures(t *testing.T) {
	f := newFixture(t)
	good := f.createNode(t, models.KindImage, pngBytes(t, 300, 300))
	queue := NewMemoryQueue(8)
	recorder := metrics.New()

	p := f.processor(t, ProcessorConfig{Queue: queue, Metrics: recorder, Workers: 2})
	p.Start()
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx := context.Background()
	_, err := queue.Enqueue(ctx, Job{FileID: good.ID, UserID: f.user.ID})
	require.NoError(t, err)
	badID, err := queue.Enqueue(ctx, Job{FileID: good.ID, UserID: f.other.ID})
	require.NoError(t, err)

	select {
	case failure := <-p.Failures():
		assert.Equal(t, badID, failure.JobID)
		assert.True(t, failure.Permanent)
		assert.Equal(t, f.other.ID, failure.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a failure notification")
	}

	require.Eventually(t, func() bool {
		return queue.Pending() == 0 && recorder.ActiveThumbnailJobs() == 0
	}, 5*time.Second, 10*time.Millisecond)
	counts := recorder.ThumbnailJobCounts()
	assert.Equal(t, uint64(1), counts[metrics.ThumbnailJobLabel{Outcome: OutcomePermanent}])
	assert.Equal(t, uint64(1), counts[metrics.ThumbnailJobLabel{Outcome: OutcomeSucceeded}])
	assert.Equal(t, 300, variantWidth(t, f.blobs, good.LocalPath, 500))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProcessorDropsFailuresWhenNobodyListens(t *testing.T) {
	f := newFixture(t)
	queue := NewMemoryQueue(8)
	recorder := metrics.New()

	var mu sync.Mutex
	var seen []Failure
	p := f.processor(t, ProcessorConfig{
		Queue:         queue,
		Metrics:       recorder,
		Workers:       1,
		FailureBuffer: 1,
		OnFailure: func(failure Failure) {
			mu.Lock()
			seen = append(seen, failure)
			mu.Unlock()
		},
	})
	p.Start()
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(context.Background(), Job{UserID: f.user.ID})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return recorder.DroppedFailureNotifications() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, p.Failures(), 1)
}

// gatedResolver holds lookups for one user until release is closed.
type gatedResolver struct {
	FileResolver
	userID  string
	entered chan struct{}
	release chan struct{}
}

func (r gatedResolver) Get(ctx context.Context, id, ownerID string) (models.FileNode, bool, error) {
	if ownerID == r.userID {
		close(r.entered)
		<-r.release
	}
	return r.FileResolver.Get(ctx, id, ownerID)
}

func TestConcurrentJobsForSameFileAreAllProcessed(t *testing.T) {
	f := newFixture(t)
	node := f.createNode(t, models.KindImage, pngBytes(t, 600, 300))
	resolver := gatedResolver{
		FileResolver: f.files,
		userID:       f.other.ID,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	p := f.processor(t, ProcessorConfig{Files: resolver})

	foreignDone := make(chan struct{})
	go func() {
		defer close(foreignDone)
		p.handle(context.Background(), Delivery{ID: "1-1", Job: Job{FileID: node.ID, UserID: f.other.ID}})
	}()
	<-resolver.entered

	var acked bool
	p.handle(context.Background(), Delivery{
		ID:  "1-2",
		Job: Job{FileID: node.ID, UserID: f.user.ID},
		Ack: func(context.Context) error {
			acked = true
			return nil
		},
	})
	assert.True(t, acked)
	for _, width := range Widths {
		_, err := f.blobs.Read(context.Background(), blob.VariantPath(node.LocalPath, width))
		require.NoError(t, err, "variant %d", width)
	}

	close(resolver.release)
	<-foreignDone
	select {
	case failure := <-p.Failures():
		assert.Equal(t, "1-1", failure.JobID)
		assert.True(t, failure.Permanent)
	default:
		t.Fatal("expected the foreign job to report a failure")
	}
}

func TestNewProcessorValidatesConfig(t *testing.T) {
	f := newFixture(t)
	_, err := NewProcessor(ProcessorConfig{Files: f.files, Blobs: f.blobs})
	assert.Error(t, err)
	_, err = NewProcessor(ProcessorConfig{Queue: NewMemoryQueue(1), Blobs: f.blobs})
	assert.Error(t, err)
	_, err = NewProcessor(ProcessorConfig{Queue: NewMemoryQueue(1), Files: f.files})
	assert.Error(t, err)
	_, err = NewProcessor(ProcessorConfig{Queue: NewMemoryQueue(1), Files: f.files, Blobs: f.blobs, Widths: []int{0}})
	assert.Error(t, err)
}
