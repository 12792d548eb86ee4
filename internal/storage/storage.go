// Package storage defines the blob store used for originals and processed artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data under key and returns the URL clients use to fetch it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// KeyResolver is implemented by stores that can map one of their own object
// URLs back to the key it was stored under.
type KeyResolver interface {
	KeyForURL(rawURL string) (string, bool)
}

// ResolveKey maps rawURL to a key of store, if the store can tell.
func ResolveKey(store Store, rawURL string) (string, bool) {
	r, ok := store.(KeyResolver)
	if !ok {
		return "", false
	}
	return r.KeyForURL(rawURL)
}

// KeyFromURL strips a public base URL from rawURL and returns the unescaped
// object key. Query strings and fragments are dropped.
func KeyFromURL(base, rawURL string) (string, bool) {
	if base == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(rawURL, strings.TrimRight(base, "/")+"/")
	if !ok {
		return "", false
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	key, err := url.PathUnescape(rest)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

// JoinURL appends an object key to a public base URL.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// OriginalKey names an uploaded original under its owner.
func OriginalKey(userID uuid.UUID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("originals/%s/%s%s", userID, uuid.NewString(), ext)
}

// ProcessedKey names a pipeline artifact; the timestamp keeps reruns apart.
func ProcessedKey(imageID uuid.UUID, at time.Time, ext string) string {
	return fmt.Sprintf("processed/%s/%d%s", imageID, at.UnixNano(), ext)
}
