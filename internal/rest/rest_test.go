package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
)

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/route":
			if r.URL.Query().Get("appId") != "app-1" {
				t.Errorf("appId = %q", r.URL.Query().Get("appId"))
			}
			if r.Header.Get("X-Test") != "yes" {
				t.Errorf("missing header")
			}
			w.Write([]byte(`{"server":"wss://a","ttl":3600}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":101,"error":"Object not found."}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		body, err := c.Get(ctx, "/v1/route", map[string]string{"appId": "app-1"}, map[string]string{"X-Test": "yes"})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		type route struct {
			Server string `json:"server"`
			TTL    int64  `json:"ttl"`
		}
		r, err := DecodeJSON[route](body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r.Server != "wss://a" || r.TTL != 3600 {
			t.Fatalf("unexpected %+v", r)
		}
	})

	t.Run("server code", func(t *testing.T) {
		_, err := c.Get(ctx, "/missing", nil, nil)
		if !errs.HasCode(err, errs.CodeObjectNotFound) {
			t.Fatalf("expected object-not-found, got %v", err)
		}
	})

	t.Run("bare status", func(t *testing.T) {
		_, err := c.Get(ctx, "/boom", nil, nil)
		if !errs.HasCode(err, errs.CodeUnderlying) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		if _, err := DecodeJSON[map[string]any]([]byte("{")); !errs.HasCode(err, errs.CodeMalformedData) {
			t.Fatalf("expected malformed data, got %v", err)
		}
	})
}

func TestPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if in["client_id"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":1,"error":"client_id required"}`))
			return
		}
		w.Write([]byte(`{"echo":"` + in["client_id"] + `"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	body, err := c.Post(context.Background(), "/sign", map[string]string{"client_id": "alice"}, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	out, err := DecodeJSON[map[string]string](body)
	if err != nil || (*out)["echo"] != "alice" {
		t.Fatalf("unexpected %v %v", out, err)
	}

	if _, err := c.Post(context.Background(), "/sign", map[string]string{}, nil); !errs.HasCode(err, 1) {
		t.Fatalf("expected server code 1, got %v", err)
	}
}
