package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrCursorClosed = errors.New("feed cursor closed")

// Stream ids follow the Redis "<ms>-<seq>" shape. The in-memory stream keeps
// the first part at zero and counts in the second.
func formatStreamID(seq int64) string {
	return "0-" + strconv.FormatInt(seq, 10)
}

func parseStreamID(id string) (int64, error) {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return n, nil
}
