package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
)

func TestOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("User-Agent") != "ytgrab-test" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte("media bytes"))
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewClient(logrus.New())

	s, err := client.Open(context.Background(), models.VariantDescriptor{
		URL:     server.URL + "/ok",
		Headers: map[string]string{"User-Agent": "ytgrab-test"},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body, _ := io.ReadAll(s.Body)
	s.Body.Close()
	if string(body) != "media bytes" {
		t.Errorf("Expected 'media bytes', got '%s'", body)
	}
	if s.ContentLength != int64(len("media bytes")) {
		t.Errorf("Expected content length %d, got %d", len("media bytes"), s.ContentLength)
	}

	tests := []struct {
		path string
		want models.ErrorKind
	}{
		{"/forbidden", models.ErrForbidden},
		{"/unauthorized", models.ErrForbidden},
		{"/expired", models.ErrForbidden},
		{"/missing", models.ErrForbidden},
		{"/broken", models.ErrInterrupted},
	}
	for _, tt := range tests {
		_, err := client.Open(context.Background(), models.VariantDescriptor{URL: server.URL + tt.path})
		if !errors.Is(err, tt.want) {
			t.Errorf("Open(%s) = %v, expected kind %s", tt.path, err, tt.want)
		}
	}
}
