package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/pipeline"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	maxAttempts    = 5
	flushDeadline  = 60 * time.Second
)

// Confirmer records a commit marker as durably delivered.
// Implementations wrap the checkpoint store's Store call.
type Confirmer func(ctx context.Context, marker wire.CommitMarker) error

// StarRocksSink pushes batches to a StarRocks (or compatible) stream
// load endpoint, one HTTP request per sub-batch.
type StarRocksSink struct {
	baseURL     string
	database    string
	user        string
	pass        string
	client      *http.Client
	confirm     Confirmer
	logger      *logging.Logger
	parallelism int
}

// New builds a StarRocksSink whose HTTP client is tuned for the
// connection-reuse profile a stream-load target expects: a modest
// pool of idle connections held open across flushes rather than
// reconnecting every batch. parallelism bounds how many sub-batches of
// one flushed batch may be in flight at once; sub-batches never share
// a BatchKey within a single flush, so parallelizing across them never
// reorders anything within a key.
func New(baseURL, database, user, pass string, confirm Confirmer, parallelism int, logger *logging.Logger) *StarRocksSink {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   flushDeadline,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 1 {
				return fmt.Errorf("sink: refusing to follow more than one redirect")
			}
			return nil
		},
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &StarRocksSink{
		baseURL:     baseURL,
		database:    database,
		user:        user,
		pass:        pass,
		client:      client,
		confirm:     confirm,
		logger:      logger,
		parallelism: parallelism,
	}
}

var _ pipeline.Sink = (*StarRocksSink)(nil)

// PushBatch partitions the batch, sends each sub-batch (up to
// parallelism sub-batches in flight at once, since each sub-batch is
// its own BatchKey and only ordering within a key must be preserved),
// and confirms markers up to the gap-preserving rule: successful
// sub-batches may advance the checkpoint only up to the minimum
// successful marker that sits strictly below the minimum marker of
// any failed sub-batch, so at-least-once delivery never has a hole
// beneath the confirmed point.
func (s *StarRocksSink) PushBatch(ctx context.Context, batch pipeline.Batch) error {
	subBatches := partition(batch.Events)
	syncedAt := time.Now()

	sendErrs := make([]error, len(subBatches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, sb := range subBatches {
		i, sb := i, sb
		g.Go(func() error {
			sendErrs[i] = s.sendWithRetry(gctx, sb, syncedAt)
			return nil
		})
	}
	_ = g.Wait()

	var failedMinLSN wire.LSN
	haveFailure := false
	var succeeded []*subBatch
	var firstErr error

	for i, sb := range subBatches {
		if err := sendErrs[i]; err != nil {
			if s.logger != nil {
				s.logger.Errorf("sink: sub-batch %s (relation %d, toast %#x) failed permanently: %v",
					sb.relation.QualifiedName(), sb.key.RelationID, sb.key.ToastMask, err)
			}
			if firstErr == nil {
				firstErr = err
			}
			if !haveFailure || sb.minMarker.CommitLSN < failedMinLSN {
				failedMinLSN = sb.minMarker.CommitLSN
			}
			haveFailure = true
			continue
		}
		succeeded = append(succeeded, sb)
	}

	if s.confirm != nil {
		var best *wire.CommitMarker
		for _, sb := range succeeded {
			m := sb.maxMarker
			if haveFailure {
				if m.CommitLSN >= failedMinLSN {
					continue
				}
				if best == nil || m.CommitLSN < best.CommitLSN {
					best = &m
				}
				continue
			}
			if best == nil || m.CommitLSN > best.CommitLSN {
				best = &m
			}
		}
		if best != nil {
			if err := s.confirm(ctx, *best); err != nil && s.logger != nil {
				s.logger.Errorf("sink: confirming marker %d failed: %v", best.CommitLSN, err)
			}
		}
	}

	return firstErr
}

func (s *StarRocksSink) sendWithRetry(ctx context.Context, sb *subBatch, syncedAt time.Time) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.send(ctx, sb, syncedAt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if s.logger != nil {
			s.logger.Warnf("sink: attempt %d/%d for %s failed, retrying in %s: %v",
				attempt, maxAttempts, sb.relation.QualifiedName(), backoff, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("sink: giving up after %d attempts: %w", maxAttempts, lastErr)
}

type retryableError struct{ error }

func isRetryable(err error) bool {
	_, ok := err.(retryableError)
	return ok
}

type streamLoadResponse struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

func (s *StarRocksSink) send(ctx context.Context, sb *subBatch, syncedAt time.Time) error {
	body, err := sb.rows(syncedAt)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", s.baseURL, s.database, sb.relation.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: building request: %w", err)
	}
	req.SetBasicAuth(s.user, s.pass)
	req.Header.Set("format", "json")
	req.Header.Set("strip_outer_array", "false")
	req.Header.Set("read_json_by_line", "true")
	req.Header.Set("columns", columnsHeader(sb.columns))
	req.Header.Set("Expect", "100-continue")
	if sb.key.ToastMask != 0 || sb.key.IsDelete {
		req.Header.Set("partial_update", "true")
		req.Header.Set("partial_update_mode", "row")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return retryableError{fmt.Errorf("sink: request to %s: %w", url, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return retryableError{fmt.Errorf("sink: reading response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return retryableError{fmt.Errorf("sink: %s returned %d: %s", url, resp.StatusCode, respBody)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return retryableError{fmt.Errorf("sink: %s rate limited (429)", url)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sink: %s returned %d: %s", url, resp.StatusCode, respBody)
	}

	var parsed streamLoadResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("sink: unparseable stream load response: %s", respBody)
	}
	switch parsed.Status {
	case "Success":
		return nil
	case "Publish Timeout":
		return retryableError{fmt.Errorf("sink: publish timeout: %s", parsed.Message)}
	default:
		return fmt.Errorf("sink: stream load reported status %q: %s", parsed.Status, parsed.Message)
	}
}
