package handler

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// ErrInvalidCursor is returned for a listing cursor this API did not issue
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorSeparator = "|"

// DecodeJobCursor reads the keyset position of a listing page. The cursor is
// base64url("<created_at unix nanos>|<job id>"); empty means the first page.
func DecodeJobCursor(s string) (*queue.JobCursor, error) {
	if s == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	nanos, id, ok := strings.Cut(string(raw), cursorSeparator)
	if !ok {
		return nil, ErrInvalidCursor
	}
	createdAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidCursor
	}

	return &queue.JobCursor{CreatedAt: time.Unix(0, createdAt).UTC(), JobID: id}, nil
}

// EncodeJobCursor returns the cursor of the page following job position c
func EncodeJobCursor(c *queue.JobCursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + cursorSeparator + c.JobID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
