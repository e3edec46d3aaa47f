package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/schema"
	"github.com/wehubfusion/Conduit/pkg/transform"
)

// Request is one transform request
type Request struct {
	RequestID string          `json:"request_id,omitempty"`
	Port      string          `json:"port,omitempty"`
	Records   [][]interface{} `json:"records"`
}

// RecordError reports the failure of one row
type RecordError struct {
	Index   int    `json:"index"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Response is the reply to a Request. Rows that failed are null in Records
// and listed in Errors.
type Response struct {
	RequestID string          `json:"request_id"`
	Records   [][]interface{} `json:"records"`
	Errors    []RecordError   `json:"errors,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Handler turns encoded requests into encoded responses
type Handler struct {
	step    Transformer
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler creates a handler for step. A zero timeout leaves requests
// bounded only by their parent context.
func NewHandler(step Transformer, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{step: step, timeout: timeout, logger: logger}
}

// Handle decodes a request, runs it and encodes the response
func (h *Handler) Handle(ctx context.Context, data []byte) []byte {
	start := time.Now()
	resp := h.handle(ctx, data)

	h.logger.Debug("Handled transform request",
		zap.String("request_id", resp.RequestID),
		zap.Int("records", len(resp.Records)),
		zap.Int("errors", len(resp.Errors)),
		zap.Duration("duration", time.Since(start)))

	out, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode response", zap.String("request_id", resp.RequestID), zap.Error(err))
		out, _ = json.Marshal(Response{RequestID: resp.RequestID, Error: "failed to encode response: " + err.Error()})
	}
	return out
}

func (h *Handler) handle(ctx context.Context, data []byte) *Response {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return &Response{RequestID: uuid.NewString(), Error: "invalid request: " + err.Error()}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp := &Response{RequestID: req.RequestID, Records: make([][]interface{}, len(req.Records))}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	mode := "batch"
	if req.Port != "" {
		mode = "port"
	}
	start := time.Now()
	defer func() {
		requestCounter.WithLabelValues(mode).Inc()
		requestDurationHistogram.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		for _, re := range resp.Errors {
			recordErrorCounter.WithLabelValues(re.Code).Inc()
		}
	}()

	if mode == "port" {
		h.handlePort(ctx, &req, resp)
	} else {
		h.handleBatch(ctx, &req, resp)
	}
	return resp
}

func (h *Handler) handlePort(ctx context.Context, req *Request, resp *Response) {
	cs, _ := h.step.InputSchema(req.Port)
	for i, row := range req.Records {
		record, err := decodeRow(row, cs)
		if err == nil {
			record, err = h.step.TransformPort(ctx, req.Port, record)
		}
		if err != nil {
			resp.Errors = append(resp.Errors, recordError(i, err))
			continue
		}
		resp.Records[i] = encodeRow(record)
	}
}

func (h *Handler) handleBatch(ctx context.Context, req *Request, resp *Response) {
	names := h.step.InputNames()
	records := make([]schema.Record, len(req.Records))
	failed := make(map[int]bool)

	for i, row := range req.Records {
		var cs *schema.ColumnSchema
		if i < len(names) {
			cs, _ = h.step.InputSchema(names[i])
		}
		record, err := decodeRow(row, cs)
		if err != nil {
			resp.Errors = append(resp.Errors, recordError(i, err))
			failed[i] = true
			continue
		}
		records[i] = record
	}

	// undecodable rows run as empty records and fail on their own
	out, err := h.step.Transform(ctx, records)
	var batchErr *transform.BatchError
	switch {
	case err == nil:
	case errors.As(err, &batchErr):
		for _, re := range batchErr.Errors {
			if !failed[re.Index] {
				resp.Errors = append(resp.Errors, recordError(re.Index, re.Err))
			}
		}
	default:
		resp.Error = err.Error()
		return
	}
	sort.Slice(resp.Errors, func(a, b int) bool { return resp.Errors[a].Index < resp.Errors[b].Index })
	for i, record := range out {
		if record != nil && !failed[i] {
			resp.Records[i] = encodeRow(record)
		}
	}
}

func recordError(i int, err error) RecordError {
	return RecordError{Index: i, Code: cerrors.CodeOf(err), Message: err.Error()}
}
