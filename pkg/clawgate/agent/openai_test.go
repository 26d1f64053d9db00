package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompleter_Stream(t *testing.T) {
	t.Parallel()

	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL, "sk-test", nil)

	var deltas []string
	reply, err := c.Complete(context.Background(), Request{
		Model:  "gpt-test",
		System: "be brief",
		History: []Message{
			{Role: RoleUser, Content: "earlier"},
			{Role: RoleAssistant, Content: "reply"},
			{Role: RoleBash, Content: "$ ls"},
		},
		Prompt: "hi",
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "Hello" {
		t.Errorf("reply = %q, want %q", reply, "Hello")
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("deltas = %v", deltas)
	}

	if gotReq.Model != "gpt-test" || !gotReq.Stream {
		t.Errorf("request = %+v", gotReq)
	}
	roles := make([]string, 0, len(gotReq.Messages))
	for _, m := range gotReq.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user,user" {
		t.Errorf("roles = %v", roles)
	}
}

func TestOpenAICompleter_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter(srv.URL, "", nil).Complete(context.Background(), Request{Prompt: "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want status 429", err)
	}
}
