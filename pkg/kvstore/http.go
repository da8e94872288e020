package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SetRequest is the body of POST /kv/set.
type SetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Handler serves the /kv/get, /kv/get-all and /kv/set endpoints for store.
// Writes rejected with ErrReadOnly are answered with 400 and a plain-text reason.
func Handler(store Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /kv/get", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key parameter", http.StatusBadRequest)
			return
		}
		value, err := store.Get(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, normalize(value))
	})

	mux.HandleFunc("GET /kv/get-all", func(w http.ResponseWriter, r *http.Request) {
		all, err := store.GetAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		body, err := json.Marshal(all)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, body)
	})

	mux.HandleFunc("POST /kv/set", func(w http.ResponseWriter, r *http.Request) {
		var req SetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		if err := store.Set(r.Context(), req.Key, req.Value); err != nil {
			if errors.Is(err, ErrReadOnly) {
				http.Error(w, "kv set is not supported on this platform", http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, []byte(`{}`))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// HTTP is a follower-side remote store that talks to Handler over HTTP.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a client for the server at baseURL (e.g. "http://localhost:1337").
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (h *HTTP) Get(ctx context.Context, key string) (json.RawMessage, error) {
	body, err := h.do(ctx, http.MethodGet, "/kv/get?key="+url.QueryEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	if bytes.Equal(bytes.TrimSpace(body), jsonNull) {
		return nil, nil
	}
	return body, nil
}

func (h *HTTP) Set(ctx context.Context, key string, value json.RawMessage) error {
	payload, err := json.Marshal(SetRequest{Key: key, Value: normalize(value)})
	if err != nil {
		return fmt.Errorf("failed to encode set request: %w", err)
	}
	if _, err := h.do(ctx, http.MethodPost, "/kv/set", payload); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

func (h *HTTP) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	body, err := h.do(ctx, http.MethodGet, "/kv/get-all", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get all keys: %w", err)
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode kv map: %w", err)
	}
	return out, nil
}

func (h *HTTP) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		reason := strings.TrimSpace(string(body))
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(reason, "not supported") {
			return nil, fmt.Errorf("%w: %s", ErrReadOnly, reason)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, reason)
	}
	return body, nil
}
