package minio

import (
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func TestKeyForURL(t *testing.T) {
	mc, err := minio.New("localhost:9000", &minio.Options{Creds: credentials.NewStaticV4("key", "secret", "")})
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{client: mc, bucket: "photos", publicBaseURL: "https://cdn.example.com/photos"}

	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://cdn.example.com/photos/originals/u/a.png", "originals/u/a.png", true},
		{"http://localhost:9000/photos/processed/i/1.png?X-Amz-Expires=604800", "processed/i/1.png", true},
		{"http://localhost:9000/other/a.png", "", false},
		{"https://elsewhere.example.com/photos/a.png", "", false},
	}
	for _, tc := range tests {
		got, ok := c.KeyForURL(tc.url)
		if got != tc.want || ok != tc.ok {
			t.Errorf("KeyForURL(%q) = %q, %v, want %q, %v", tc.url, got, ok, tc.want, tc.ok)
		}
	}
}
