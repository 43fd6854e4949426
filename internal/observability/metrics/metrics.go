package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ThumbnailJobLabel identifies a thumbnail job outcome.
type ThumbnailJobLabel struct {
	Outcome string
}

type blobLabel struct {
	op     string
	result string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// authentication, uploads, blob operations, dependency health and the
// thumbnail pipeline.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	responseBytes     map[string]uint64
	authEvents        map[string]uint64
	uploads           map[string]uint64
	blobOps           map[blobLabel]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
	thumbnailJobs     map[ThumbnailJobLabel]uint64
	thumbnailDuration map[ThumbnailJobLabel]time.Duration
	thumbnailVariants map[int]uint64
	failuresDropped   atomic.Uint64
	activeThumbnails  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		responseBytes:     make(map[string]uint64),
		authEvents:        make(map[string]uint64),
		uploads:           make(map[string]uint64),
		blobOps:           make(map[blobLabel]uint64),
		dependencyValue:   make(map[string]float64),
		dependencyState:   make(map[string]string),
		thumbnailJobs:     make(map[ThumbnailJobLabel]uint64),
		thumbnailDuration: make(map[ThumbnailJobLabel]time.Duration),
		thumbnailVariants: make(map[int]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: strconv.Itoa(status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveResponseBytes adds n body bytes to the total for the normalized path.
func (r *Recorder) ObserveResponseBytes(path string, n int64) {
	if n <= 0 {
		return
	}
	normalized := normalizePath(path)
	r.mu.Lock()
	r.responseBytes[normalized] += uint64(n)
	r.mu.Unlock()
}

// ResponseBytes returns the body bytes written for the normalized path.
func (r *Recorder) ResponseBytes(path string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responseBytes[normalizePath(path)]
}

// ObserveAuthEvent counts authentication events such as "login_success",
// "login_failure", "logout" or "token_rejected".
func (r *Recorder) ObserveAuthEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.authEvents[normalized]++
	r.mu.Unlock()
}

// ObserveUpload counts created nodes by kind.
func (r *Recorder) ObserveUpload(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.uploads[normalized]++
	r.mu.Unlock()
}

// ObserveBlobOperation counts blob store calls by operation and result.
func (r *Recorder) ObserveBlobOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	label := blobLabel{op: normalizeName(op), result: result}
	r.mu.Lock()
	r.blobOps[label]++
	r.mu.Unlock()
}

// SetDependencyHealth stores the status of a backing service and its numeric
// form (1=ok, 0=disabled, -1=degraded).
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ThumbnailJobStarted increments the active job gauge.
func (r *Recorder) ThumbnailJobStarted() {
	r.activeThumbnails.Add(1)
}

// ThumbnailJobFinished records a job outcome ("succeeded", "partial",
// "permanent", "error") and decrements the active job gauge.
func (r *Recorder) ThumbnailJobFinished(outcome string, duration time.Duration) {
	label := ThumbnailJobLabel{Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.thumbnailJobs[label]++
	r.thumbnailDuration[label] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.activeThumbnails)
}

// ThumbnailVariantWritten counts a variant written at width.
func (r *Recorder) ThumbnailVariantWritten(width int) {
	r.mu.Lock()
	r.thumbnailVariants[width]++
	r.mu.Unlock()
}

// FailureNotificationDropped counts failure notifications that found the
// failure channel full.
func (r *Recorder) FailureNotificationDropped() {
	r.failuresDropped.Add(1)
}

// ActiveThumbnailJobs exposes the current number of jobs being processed.
func (r *Recorder) ActiveThumbnailJobs() int64 {
	return r.activeThumbnails.Load()
}

// ThumbnailJobCounts returns a copy of the job outcome counters.
func (r *Recorder) ThumbnailJobCounts() map[ThumbnailJobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ThumbnailJobLabel]uint64, len(r.thumbnailJobs))
	for k, v := range r.thumbnailJobs {
		out[k] = v
	}
	return out
}

// ThumbnailVariantCounts returns a copy of the per-width variant counters.
func (r *Recorder) ThumbnailVariantCounts() map[int]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]uint64, len(r.thumbnailVariants))
	for k, v := range r.thumbnailVariants {
		out[k] = v
	}
	return out
}

// DroppedFailureNotifications returns the dropped notification count.
func (r *Recorder) DroppedFailureNotifications() uint64 {
	return r.failuresDropped.Load()
}

// AuthEventCounts returns a copy of the authentication counters.
func (r *Recorder) AuthEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.authEvents))
	for k, v := range r.authEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.responseBytes = make(map[string]uint64)
	r.authEvents = make(map[string]uint64)
	r.uploads = make(map[string]uint64)
	r.blobOps = make(map[blobLabel]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.thumbnailJobs = make(map[ThumbnailJobLabel]uint64)
	r.thumbnailDuration = make(map[ThumbnailJobLabel]time.Duration)
	r.thumbnailVariants = make(map[int]uint64)
	r.failuresDropped.Store(0)
	r.activeThumbnails.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP files_manager_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE files_manager_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "files_manager_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP files_manager_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE files_manager_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "files_manager_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP files_manager_http_response_bytes_total Response body bytes written by path")
	fmt.Fprintln(w, "# TYPE files_manager_http_response_bytes_total counter")
	for _, path := range sortedKeys(r.responseBytes) {
		fmt.Fprintf(w, "files_manager_http_response_bytes_total{path=\"%s\"} %d\n", path, r.responseBytes[path])
	}

	fmt.Fprintln(w, "# HELP files_manager_auth_events_total Authentication events by type")
	fmt.Fprintln(w, "# TYPE files_manager_auth_events_total counter")
	for _, event := range sortedKeys(r.authEvents) {
		fmt.Fprintf(w, "files_manager_auth_events_total{event=\"%s\"} %d\n", event, r.authEvents[event])
	}

	fmt.Fprintln(w, "# HELP files_manager_uploads_total Created nodes by kind")
	fmt.Fprintln(w, "# TYPE files_manager_uploads_total counter")
	for _, kind := range sortedKeys(r.uploads) {
		fmt.Fprintf(w, "files_manager_uploads_total{kind=\"%s\"} %d\n", kind, r.uploads[kind])
	}

	fmt.Fprintln(w, "# HELP files_manager_blob_operations_total Blob store operations by type and result")
	fmt.Fprintln(w, "# TYPE files_manager_blob_operations_total counter")
	for _, label := range r.sortedBlobLabels() {
		fmt.Fprintf(w, "files_manager_blob_operations_total{op=\"%s\",result=\"%s\"} %d\n", label.op, label.result, r.blobOps[label])
	}

	fmt.Fprintln(w, "# HELP files_manager_dependency_health Health of backing services (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE files_manager_dependency_health gauge")
	for _, service := range sortedKeys(r.dependencyValue) {
		fmt.Fprintf(w, "files_manager_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}

	jobLabels := r.sortedThumbnailLabels()
	fmt.Fprintln(w, "# HELP files_manager_thumbnail_jobs_total Thumbnail jobs by outcome")
	fmt.Fprintln(w, "# TYPE files_manager_thumbnail_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "files_manager_thumbnail_jobs_total{outcome=\"%s\"} %d\n", label.Outcome, r.thumbnailJobs[label])
	}

	fmt.Fprintln(w, "# HELP files_manager_thumbnail_job_duration_seconds_sum Cumulative thumbnail job duration in seconds")
	fmt.Fprintln(w, "# TYPE files_manager_thumbnail_job_duration_seconds_sum counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "files_manager_thumbnail_job_duration_seconds_sum{outcome=\"%s\"} %f\n", label.Outcome, r.thumbnailDuration[label].Seconds())
	}

	widths := make([]int, 0, len(r.thumbnailVariants))
	for width := range r.thumbnailVariants {
		widths = append(widths, width)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(widths)))
	fmt.Fprintln(w, "# HELP files_manager_thumbnail_variants_total Thumbnail variants written by width")
	fmt.Fprintln(w, "# TYPE files_manager_thumbnail_variants_total counter")
	for _, width := range widths {
		fmt.Fprintf(w, "files_manager_thumbnail_variants_total{width=\"%d\"} %d\n", width, r.thumbnailVariants[width])
	}

	fmt.Fprintln(w, "# HELP files_manager_thumbnail_active_jobs Current number of thumbnail jobs in progress")
	fmt.Fprintln(w, "# TYPE files_manager_thumbnail_active_jobs gauge")
	fmt.Fprintf(w, "files_manager_thumbnail_active_jobs %d\n", r.activeThumbnails.Load())

	fmt.Fprintln(w, "# HELP files_manager_thumbnail_failures_dropped_total Failure notifications dropped because the channel was full")
	fmt.Fprintln(w, "# TYPE files_manager_thumbnail_failures_dropped_total counter")
	fmt.Fprintf(w, "files_manager_thumbnail_failures_dropped_total %d\n", r.failuresDropped.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBlobLabels() []blobLabel {
	labels := make([]blobLabel, 0, len(r.blobOps))
	for label := range r.blobOps {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].op != labels[j].op {
			return labels[i].op < labels[j].op
		}
		return labels[i].result < labels[j].result
	})
	return labels
}

func (r *Recorder) sortedThumbnailLabels() []ThumbnailJobLabel {
	labels := make([]ThumbnailJobLabel, 0, len(r.thumbnailJobs))
	for label := range r.thumbnailJobs {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier flags UUIDs, ObjectIDs and numeric ids so paths such as
// /files/{id}/data aggregate under one label.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
