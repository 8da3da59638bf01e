package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/ratelimit"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// maxBulkResponseBytes caps how much of a bulk response is read.
const maxBulkResponseBytes = 16 << 20

func (r *run) bulk(ctx context.Context, bc *actions.BulkConfig) error {
	log := r.d.log.WithContext(ctx).WithJob(r.job.ID)

	target, err := endpointURL(r.in.BaseURL, bc.Endpoint)
	if err != nil {
		return err
	}

	var cred *actions.Credential
	if r.d.creds != nil {
		cred, err = r.d.creds.GetDecryptedCredential(ctx, r.job.Tenant(), r.in.IntegrationID)
		if err != nil {
			// The endpoint's own auth failure will show on the items.
			log.WithError(err).Warn("credential lookup failed, calling bulk endpoint without auth")
			cred = nil
		}
	}

	pending, err := r.d.store.FindPendingItems(ctx, r.job.ID, 0)
	if err != nil {
		return err
	}

	for start := 0; start < len(pending); start += bc.MaxItemsPerCall {
		chunk := pending[start:min(start+bc.MaxItemsPerCall, len(pending))]
		patches, err := r.bulkChunk(ctx, bc, target, cred, chunk)
		if err != nil {
			return err
		}
		if err := r.d.store.BatchUpdateItems(ctx, patches); err != nil {
			return fmt.Errorf("record bulk results: %w", err)
		}
		r.processed.Add(int64(len(chunk)))
		r.progress(ctx, r.chunkProgress(), map[string]any{
			"stage":         "bulk",
			"processed":     r.processed.Load(),
			"total":         r.total,
			"bulkCallsMade": r.bulkCalls.Load(),
		})
	}
	return nil
}

// bulkChunk sends one chunk and returns the item patches describing the
// outcome. Only context cancellation is returned as an error; HTTP and
// mapping failures become failed items.
func (r *run) bulkChunk(ctx context.Context, bc *actions.BulkConfig, target string, cred *actions.Credential, chunk []*jobs.Item) ([]jobs.ItemPatch, error) {
	ctx, span := tracing.StartSpan(ctx, "batch.bulk_chunk",
		attribute.String("job.id", r.job.ID),
		attribute.Int("batch.chunk_size", len(chunk)),
	)
	defer span.End()
	log := r.d.log.WithContext(ctx).WithJob(r.job.ID)

	waited, err := r.d.tracker.AcquireBudget(ctx, r.in.IntegrationID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).Warn("rate limit tracker unavailable")
	}
	metrics.RecordRateLimitWait(waited)

	payloads := make([]json.RawMessage, len(chunk))
	for i, it := range chunk {
		payloads[i] = it.Input
	}
	body, contentType, err := Encode(bc.PayloadTransform, bc.WrapperKey, payloads)
	if err != nil {
		return r.failChunk(chunk, jobs.CodeBulkRequestFailed, err.Error()), nil
	}

	status, header, respBody, err := r.send(ctx, bc.Method, target, contentType, body, cred)
	r.bulkCalls.Inc()
	metrics.RecordBulkCall(status)
	if header != nil {
		if info := ratelimit.ExtractRateLimitInfo(header, r.d.now()); info != nil {
			if err := r.d.tracker.UpdateFromHeaders(ctx, r.in.IntegrationID, *info); err != nil {
				log.WithError(err).Warn("update rate limit budget")
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tracing.SetSpanError(ctx, err)
		return r.failChunk(chunk, jobs.CodeBulkRequestFailed, err.Error()), nil
	}
	if status < 200 || status > 299 {
		msg := fmt.Sprintf("bulk endpoint returned HTTP %d", status)
		if snippet := strings.TrimSpace(string(respBody)); snippet != "" {
			msg += ": " + truncate(snippet, 500)
		}
		tracing.SetSpanError(ctx, fmt.Errorf("%s", msg))
		return r.failChunk(chunk, jobs.CodeBulkHTTPError, msg), nil
	}

	strict := bc.StrictMapping || r.d.strict
	m := MapResponse(respBody, len(chunk), bc.SuccessField, bc.ErrorField, strict)
	if m.Unresolved {
		r.unresolvedChunks.Inc()
		metrics.RecordMappingUnresolved()
		tracing.AddSpanEvent(ctx, "mapping_unresolved", attribute.Bool("strict", strict))
		log.WithField("strict", strict).Warn("bulk response shape not recognised")
	}

	now := r.d.now()
	patches := make([]jobs.ItemPatch, len(chunk))
	for i, it := range chunk {
		res := m.Results[i]
		var u jobs.ItemUpdate
		if res.Success {
			u = jobs.CompletedItem(res.Output, now)
			r.succeeded.Inc()
		} else {
			u = jobs.FailedItem(res.Error, now)
			if len(res.Output) > 0 {
				u.Output = jobs.Some(res.Output)
			}
			r.failed.Inc()
		}
		patches[i] = jobs.ItemPatch{ID: it.ID, Data: u}
	}
	return patches, nil
}

func (r *run) send(ctx context.Context, method, target, contentType string, body []byte, cred *actions.Credential) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.d.bulkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cred != nil {
		for k, v := range cred.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := r.d.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBulkResponseBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read bulk response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (r *run) failChunk(chunk []*jobs.Item, code, msg string) []jobs.ItemPatch {
	now := r.d.now()
	patches := make([]jobs.ItemPatch, len(chunk))
	for i, it := range chunk {
		patches[i] = jobs.ItemPatch{ID: it.ID, Data: jobs.FailedItem(&jobs.ItemError{Code: code, Message: msg}, now)}
	}
	r.failed.Add(int64(len(chunk)))
	return patches
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
