package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

func streamFrom(s string) *Stream {
	rc := io.NopCloser(strings.NewReader(s))
	return &Stream{body: rc, reader: bufio.NewReader(rc)}
}

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	for {
		fragment, err := s.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		out = append(out, fragment)
	}
}

func TestStreamParsesFramesInOrder(t *testing.T) {
	s := streamFrom("data: {\"text\": \"one\"}\n\ndata: {\"text\": \"two\"}\n\ndata: [DONE]\n\n")
	got := collect(t, s)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("fragments = %v", got)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	s := streamFrom("data: {not json\n\ndata: {\"text\": \"ok\"}\n\ndata: [DONE]\n\n")
	got := collect(t, s)
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("fragments = %v", got)
	}
}

func TestStreamIgnoresNonDataLines(t *testing.T) {
	s := streamFrom(": comment\nevent: ping\ndata: {\"text\": \"ok\"}\n\ndata: [DONE]\n\n")
	got := collect(t, s)
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("fragments = %v", got)
	}
}

func TestStreamTruncatedBeforeTerminator(t *testing.T) {
	s := streamFrom("data: {\"text\": \"partial\"}\n\n")
	if fragment, err := s.Next(); err != nil || fragment != "partial" {
		t.Fatalf("Next() = %q, %v", fragment, err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("err = %v, want ErrStreamAborted for a truncated body", err)
	}
}

func TestStreamNextAfterDone(t *testing.T) {
	s := streamFrom("data: [DONE]\n\n")
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("repeated Next() err = %v, want io.EOF", err)
	}
}

type abortingReader struct{ frames string }

func (r *abortingReader) Read(p []byte) (int, error) {
	if r.frames == "" {
		return 0, errors.New("connection reset")
	}
	n := copy(p, r.frames)
	r.frames = r.frames[n:]
	return n, nil
}

func (r *abortingReader) Close() error { return nil }

func TestStreamAbortMidway(t *testing.T) {
	rc := &abortingReader{frames: "data: {\"text\": \"ok\"}\n\n"}
	s := &Stream{body: rc, reader: bufio.NewReader(rc)}

	if fragment, err := s.Next(); err != nil || fragment != "ok" {
		t.Fatalf("Next() = %q, %v", fragment, err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("err = %v, want ErrStreamAborted", err)
	}
}

func TestGenerateClassifiesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(model.ErrorResponse{Error: "invalid token"})
	}))
	defer srv.Close()

	client := NewGatewayClient(srv.URL, NewExecutor(srv.Client()))
	_, err := client.Generate(context.Background(), "bad-token", []model.ChatTurn{{Role: model.RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
}

func TestGenerateClassifiesValidationError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(model.ErrorResponse{Error: "at least one message is required"})
	}))
	defer srv.Close()

	client := NewGatewayClient(srv.URL, NewExecutor(srv.Client()))
	_, err := client.Generate(context.Background(), "token", nil)

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if vErr.Message != "at least one message is required" {
		t.Fatalf("message = %q", vErr.Message)
	}
	if hits != 1 {
		t.Fatalf("server hits = %d, want 1 for a terminal 400", hits)
	}
}

func TestGenerateSendsAuthAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-123" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/v1/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}

		var req model.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hi" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", model.StreamTerminator)
	}))
	defer srv.Close()

	client := NewGatewayClient(srv.URL, NewExecutor(srv.Client()))
	stream, err := client.Generate(context.Background(), "token-123", []model.ChatTurn{{Role: model.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
