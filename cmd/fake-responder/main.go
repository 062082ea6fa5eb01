// ABOUTME: Minimal fake responder for E2E testing, speaking the responder JSON protocol over HTTP
// ABOUTME: Usage: fake-responder [-addr localhost:9090] [-confidence 0.9]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

type message struct {
	Seq     int64  `json:"seq"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type request struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []message `json:"messages"`
}

type reply struct {
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Intent     string         `json:"intent,omitempty"`
	Sentiment  string         `json:"sentiment,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	confidence := flag.Float64("confidence", 0.9, "confidence reported for ordinary replies")
	flag.Parse()

	if err := run(*addr, *confidence); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, confidence float64) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler(confidence),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake responder listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func handler(confidence float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		last := lastCustomerMessage(req.Messages)
		log.Printf("conversation %s: %q", req.ConversationID, last)

		lower := strings.ToLower(last)
		switch {
		case strings.Contains(lower, "abstain"):
			w.WriteHeader(http.StatusNoContent)
			return
		case strings.Contains(lower, "fail"):
			http.Error(w, "simulated failure", http.StatusServiceUnavailable)
			return
		}

		out := reply{
			Content:    echoReply(last),
			Confidence: confidence,
			Intent:     "general",
			Sentiment:  "neutral",
			Metadata:   map[string]any{"model": "fake-responder"},
		}
		if strings.Contains(lower, "unsure") {
			out.Confidence = 0.2
		}
		if strings.Contains(lower, "angry") {
			out.Sentiment = "negative"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}

func lastCustomerMessage(msgs []message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == "customer" {
			return msgs[i].Content
		}
	}
	return ""
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
