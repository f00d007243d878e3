// HTTP surface for batch ingestion and liveness
// Batches are split with fastjson so one malformed item never fails its siblings
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/andrewh/dwell/pkg/pipeline"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ProjectHeader carries the authenticated project id. Authentication itself
// happens upstream; requests without the header are rejected.
const ProjectHeader = "X-Project-Id"

// DefaultMaxBodyBytes bounds the decompressed request body.
const DefaultMaxBodyBytes = 10 << 20

// IngestPath is the batch ingestion route.
const IngestPath = "/api/public/ingestion"

// Ingester accepts a decoded batch for one project.
type Ingester interface {
	Ingest(ctx context.Context, projectID string, batch []event.Envelope) pipeline.BatchResult
}

// Options configures the handler.
type Options struct {
	MaxBodyBytes   int64
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

type server struct {
	ingester Ingester
	parser   fastjson.ParserPool
	maxBody  int64
	logger   *slog.Logger
}

// NewHandler returns the instrumented HTTP handler serving the ingestion
// API and /healthz.
func NewHandler(ing Ingester, opts Options) http.Handler {
	s := &server{ingester: ing, maxBody: opts.MaxBodyBytes, logger: opts.Logger}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+IngestPath, s.handleIngest)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var otelOpts []otelhttp.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(opts.TracerProvider))
	}
	if opts.MeterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(opts.MeterProvider))
	}
	return otelhttp.NewHandler(mux, "dwell", otelOpts...)
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.Header.Get(ProjectHeader))
	if projectID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "missing " + ProjectHeader + " header", Error: "unauthorized"})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorBody{Message: err.Error(), Error: "invalid request body"})
		return
	}

	batch, rejected, err := s.splitBatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error(), Error: "invalid request data"})
		return
	}

	result := s.ingester.Ingest(r.Context(), projectID, batch)
	if len(rejected) > 0 {
		result.Errors = append(rejected, result.Errors...)
	}
	s.logger.Debug("ingested batch", "project", projectID,
		"accepted", len(result.Successes), "rejected", len(result.Errors))
	writeJSON(w, result.HTTPStatus(), result)
}

// readBody reads the request body, decoding gzip or zstd content encodings.
func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		defer func() { _ = gz.Close() }()
		src = gz
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, io.NopCloser(src), s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// splitBatch parses {"batch": [...]} and decodes each item on its own.
// Items that do not decode into an envelope are returned as rejections.
func (s *server) splitBatch(body []byte) ([]event.Envelope, []pipeline.ItemStatus, error) {
	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing body: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, nil, errors.New("body must be a JSON object")
	}
	items := v.Get("batch")
	if items == nil {
		return nil, nil, errors.New(`missing "batch" array`)
	}
	arr, err := items.Array()
	if err != nil {
		return nil, nil, fmt.Errorf(`"batch": %w`, err)
	}

	batch := make([]event.Envelope, 0, len(arr))
	var rejected []pipeline.ItemStatus
	for i, item := range arr {
		var e event.Envelope
		if err := json.Unmarshal(item.MarshalTo(nil), &e); err != nil {
			id := string(item.GetStringBytes("id"))
			if id == "" {
				id = fmt.Sprintf("batch[%d]", i)
			}
			rejected = append(rejected, pipeline.ItemStatus{
				ID:      id,
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Error:   "invalid request data",
			})
			continue
		}
		batch = append(batch, e)
	}
	return batch, rejected, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
