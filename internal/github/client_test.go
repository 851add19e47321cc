package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newStubClient starts a stub API server and returns a client pointed at it.
func newStubClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClientWithHTTP(server.Client(), server.URL, "acme", "widget")
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestClient_ListLabels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widget/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"name": "task-42"},
			{"name": LabelNeedsRemediation},
		})
	})

	client := newStubClient(t, mux)
	labels, err := client.ListLabels(context.Background(), 7)
	if err != nil {
		t.Fatalf("list labels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "task-42" || labels[1] != LabelNeedsRemediation {
		t.Errorf("labels = %v", labels)
	}
}

func TestClient_RemoveLabelMissingIsNoOp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widget/issues/7/labels/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	client := newStubClient(t, mux)
	if err := client.RemoveLabel(context.Background(), 7, "gone"); err != nil {
		t.Errorf("removing a missing label must succeed: %v", err)
	}
}

func TestClient_VerifyCompletion(t *testing.T) {
	tests := []struct {
		name string
		pr   map[string]interface{}
		want bool
	}{
		{
			name: "merged",
			pr:   map[string]interface{}{"number": 7, "state": "closed", "merged": true},
			want: true,
		},
		{
			name: "closed unmerged",
			pr:   map[string]interface{}{"number": 7, "state": "closed", "merged": false},
			want: false,
		},
		{
			name: "open with approved label",
			pr: map[string]interface{}{
				"number": 7, "state": "open", "merged": false,
				"labels": []map[string]string{{"name": LabelApproved}},
			},
			want: true,
		},
		{
			name: "open without approval",
			pr:   map[string]interface{}{"number": 7, "state": "open", "merged": false},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/v3/repos/acme/widget/pulls/7", func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.pr)
			})

			client := newStubClient(t, mux)
			complete, err := client.VerifyCompletion(context.Background(), 7)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if complete != tt.want {
				t.Errorf("complete = %v, want %v", complete, tt.want)
			}
		})
	}
}

func TestClient_AuthFailureNotRetried(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widget/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})

	client := newStubClient(t, mux)
	if _, err := client.ListLabels(context.Background(), 7); err == nil {
		t.Fatal("expected auth error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, auth failures must not be retried", attempts)
	}
}

func TestClient_TransientErrorRetried(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widget/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, `{"message":"upstream hiccup"}`, http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "task-1"}})
	})

	client := newStubClient(t, mux)
	labels, err := client.ListLabels(context.Background(), 7)
	if err != nil {
		t.Fatalf("list labels after retries: %v", err)
	}
	if len(labels) != 1 {
		t.Errorf("labels = %v", labels)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClient_Repo(t *testing.T) {
	client := NewClient("tok", "acme", "widget")
	if got := client.Repo(); got != "acme/widget" {
		t.Errorf("Repo() = %q", got)
	}
}
