/*
Copyright 2024 Derrick J. Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	rpprof "runtime/pprof"
	"strconv"

	"github.com/duh-rpc/duh-go"
	v1 "github.com/duh-rpc/duh-go/proto/v1"
	"github.com/kapetan-io/tackle/set"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	RouteStreamStart     = "GET /api/pix/{ispb}/stream/start"
	RouteStreamContinue  = "GET /api/pix/{ispb}/stream/{interactionId}"
	RouteStreamTerminate = "DELETE /api/pix/{ispb}/stream/{interactionId}"
	RouteMessagesProduce = "POST /api/pix/{ispb}/messages"
	RouteMessagesList    = "GET /api/pix/{ispb}/messages"
	RouteStreamStats     = "GET /api/util/streams/{ispb}"
	RouteHealth          = "GET /health"
	RouteMetrics         = "GET /metrics"
	RoutePProf           = "GET /pprof/{profile}"

	// DefaultMaxProducePayloadSize is the maximum number of bytes read from a produce request
	DefaultMaxProducePayloadSize int64 = 1_000_000
)

type HTTPHandler struct {
	duration       *prometheus.SummaryVec
	maxProduceSize int64
	metrics        http.Handler
	mux            *http.ServeMux
	log            *slog.Logger
	service        Service
}

func NewHTTPHandler(s Service, metrics http.Handler, maxProduceSize int64, log *slog.Logger) *HTTPHandler {
	set.Default(&maxProduceSize, DefaultMaxProducePayloadSize)
	set.Default(&log, slog.Default())

	h := &HTTPHandler{
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "http_handler_duration",
			Help: "The timings of http requests handled by the service",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.99: 0.001,
			},
		}, []string{"path"}),
		log:            log.With("code.namespace", "HTTPHandler"),
		maxProduceSize: maxProduceSize,
		mux:            http.NewServeMux(),
		metrics:        metrics,
		service:        s,
	}

	h.handle(RouteStreamStart, h.StreamStart)
	h.handle(RouteStreamContinue, h.StreamContinue)
	h.handle(RouteStreamTerminate, h.StreamTerminate)
	h.handle(RouteMessagesProduce, h.MessagesProduce)
	h.handle(RouteMessagesList, h.MessagesList)
	h.handle(RouteStreamStats, h.StreamStats)
	h.handle(RouteHealth, h.Health)
	h.handle(RouteMetrics, h.Metrics)
	h.handle(RoutePProf, h.PProf)
	return h
}

func (h *HTTPHandler) handle(pattern string, fn http.HandlerFunc) {
	summary := h.duration.WithLabelValues(pattern)
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		defer prometheus.NewTimer(summary).ObserveDuration()
		fn(w, r)
	})
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) StreamStart(w http.ResponseWriter, r *http.Request) {
	req := StreamRequest{
		ISPB:  r.PathValue("ispb"),
		Batch: NegotiateBatch(r.Header.Get("Accept")),
	}

	var resp StreamResponse
	if err := h.service.StreamStart(r.Context(), &req, &resp); err != nil {
		h.replyError(w, r, err)
		return
	}
	h.replyStream(w, &req, &resp)
}

func (h *HTTPHandler) StreamContinue(w http.ResponseWriter, r *http.Request) {
	req := StreamRequest{
		ISPB:          r.PathValue("ispb"),
		InteractionID: r.PathValue("interactionId"),
		Batch:         NegotiateBatch(r.Header.Get("Accept")),
	}

	var resp StreamResponse
	if err := h.service.StreamContinue(r.Context(), &req, &resp); err != nil {
		h.replyError(w, r, err)
		return
	}
	h.replyStream(w, &req, &resp)
}

func (h *HTTPHandler) StreamTerminate(w http.ResponseWriter, r *http.Request) {
	req := StreamRequest{
		ISPB:          r.PathValue("ispb"),
		InteractionID: r.PathValue("interactionId"),
	}

	if err := h.service.StreamTerminate(r.Context(), &req); err != nil {
		h.replyError(w, r, err)
		return
	}
	h.replyJSON(w, http.StatusOK, ContentTypeJSON, struct{}{})
}

func (h *HTTPHandler) MessagesProduce(w http.ResponseWriter, r *http.Request) {
	req := ProduceRequest{ISPB: r.PathValue("ispb")}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxProduceSize))
	if err := dec.Decode(&req.Messages); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.replyError(w, r, NewInvalidOption("request body exceeds the maximum of %d bytes", maxErr.Limit))
			return
		}
		h.replyError(w, r, NewInvalidOption("invalid request body; expected a JSON array of messages: %s", err))
		return
	}

	if err := h.service.MessagesProduce(r.Context(), &req); err != nil {
		h.replyError(w, r, err)
		return
	}
	duh.Reply(w, r, http.StatusCreated, &v1.Reply{
		Code:     http.StatusCreated,
		CodeText: http.StatusText(http.StatusCreated),
	})
}

func (h *HTTPHandler) MessagesList(w http.ResponseWriter, r *http.Request) {
	req := ListRequest{
		ISPB:  r.PathValue("ispb"),
		Pivot: r.URL.Query().Get("pivot"),
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		var err error
		req.Limit, err = strconv.Atoi(limit)
		if err != nil {
			h.replyError(w, r, NewInvalidOption("invalid limit; '%s' is not a number", limit))
			return
		}
	}

	var resp ListResponse
	if err := h.service.MessagesList(r.Context(), &req, &resp); err != nil {
		h.replyError(w, r, err)
		return
	}
	h.replyJSON(w, http.StatusOK, ContentTypeJSON, &resp)
}

func (h *HTTPHandler) StreamStats(w http.ResponseWriter, r *http.Request) {
	var resp StreamStats
	if err := h.service.StreamStats(r.Context(), r.PathValue("ispb"), &resp); err != nil {
		h.replyError(w, r, err)
		return
	}
	h.replyJSON(w, http.StatusOK, ContentTypeJSON, &resp)
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Health(r.Context())
	h.replyJSON(w, resp.StatusCode(), ContentTypeHealth, &resp)
}

func (h *HTTPHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		duh.ReplyWithCode(w, r, duh.CodeNotImplemented, nil, "metrics are not enabled")
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// PProf serves the named runtime profile. Unknown profiles are 404
func (h *HTTPHandler) PProf(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("profile")
	if rpprof.Lookup(name) == nil {
		duh.ReplyWithCode(w, r, http.StatusNotFound, nil, fmt.Sprintf("no such profile; '%s'", name))
		return
	}

	pprof.Handler(name).ServeHTTP(w, r)
}

// replyStream writes the poll result. An empty result is 204 No Content; a single message
// is written as a JSON object; a batch as a JSON array. Every reply carries Pull-Next.
func (h *HTTPHandler) replyStream(w http.ResponseWriter, req *StreamRequest, resp *StreamResponse) {
	w.Header().Set(HeaderPullNext, PullNext(req.ISPB, resp.InteractionID))

	if len(resp.Messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if req.Batch {
		h.replyJSON(w, http.StatusOK, ContentTypeMultipart, resp.Messages)
		return
	}
	h.replyJSON(w, http.StatusOK, ContentTypeJSON, resp.Messages[0])
}

func (h *HTTPHandler) replyJSON(w http.ResponseWriter, code int, contentType string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Error("while marshalling response", "error", err)
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

// replyError always replies with a JSON encoded duh reply. Stream requests may Accept
// multipart/json, which duh.ReplyError would refuse to negotiate. Errors which are not part
// of the public protocol are logged and replied as 500 without details.
func (h *HTTPHandler) replyError(w http.ResponseWriter, r *http.Request, err error) {
	var de duh.Error
	if !errors.As(err, &de) {
		if !errors.Is(err, context.Canceled) {
			h.log.Error("request failed", "path", r.URL.Path, "method", r.Method, "error", err)
		}
		h.replyReply(w, &v1.Reply{
			Code:     int32(duh.CodeInternalError),
			CodeText: duh.CodeText(duh.CodeInternalError),
			Message:  http.StatusText(http.StatusInternalServerError),
		})
		return
	}

	reply, ok := de.ProtoMessage().(*v1.Reply)
	if !ok {
		reply = &v1.Reply{
			CodeText: duh.CodeText(de.Code()),
			Message:  de.Message(),
			Details:  de.Details(),
		}
	}
	reply.Code = int32(de.Code())
	h.replyReply(w, reply)
}

func (h *HTTPHandler) replyReply(w http.ResponseWriter, reply *v1.Reply) {
	b, err := protojson.Marshal(reply)
	if err != nil {
		h.log.Error("while marshalling error reply", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(int(reply.Code))
	_, _ = w.Write(b)
}

// Describe fetches prometheus metrics to be registered
func (h *HTTPHandler) Describe(ch chan<- *prometheus.Desc) {
	h.duration.Describe(ch)
}

// Collect fetches metrics from the server for use by prometheus
func (h *HTTPHandler) Collect(ch chan<- prometheus.Metric) {
	h.duration.Collect(ch)
}
