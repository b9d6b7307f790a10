package cache

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisabled indicates no Redis client is configured.
var ErrDisabled = errors.New("cache disabled")

// TTLs for each key family. The key formats below are shared with existing
// cached data and must not change.
const (
	DefaultTTL      = time.Hour
	TranscriptTTL   = 7 * 24 * time.Hour
	NotebookListTTL = 24 * time.Hour
	NotebookTTL     = 7 * 24 * time.Hour
	SourcesTTL      = 7 * 24 * time.Hour
)

// TranscriptKey addresses the chat transcript for one (user, notebook) pair.
func TranscriptKey(userID, notebookID string) string {
	return fmt.Sprintf("chat:%s:%s", userID, notebookID)
}

// NotebookListKey addresses a user's notebook listing.
func NotebookListKey(userID string) string {
	return fmt.Sprintf("notebooks:%s", userID)
}

// NotebookKey addresses a single notebook snapshot for one user.
func NotebookKey(userID, notebookID string) string {
	return fmt.Sprintf("notebook:%s:%s", userID, notebookID)
}

// SourcesKey addresses the cached source list of a notebook for one user.
func SourcesKey(userID, notebookID string) string {
	return fmt.Sprintf("sources:%s:%s", userID, notebookID)
}

// UsageSummaryKey addresses a user's cached credit usage summary.
func UsageSummaryKey(userID string) string {
	return fmt.Sprintf("usage:%s", userID)
}
