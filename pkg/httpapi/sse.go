package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fixloop/pkg/broadcast"
)

// sseSink writes events as text/event-stream frames.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return h
}

func (s *sseSink) Write(_ context.Context, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) End() error { return nil }

func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r.PathValue("id"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	issue, err := s.svc.Issue(r.Context(), id)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	sink, err := newSSESink(w)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	for k, v := range sink.Headers() {
		w.Header()[k] = v
	}
	w.WriteHeader(http.StatusOK)
	sink.flusher.Flush()

	ctx := r.Context()
	sub := s.svc.SubscribeActivity(ctx, issueKey(issue.ID))
	_ = broadcast.Stream(ctx, sub, sink)
}
