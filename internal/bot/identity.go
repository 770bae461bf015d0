package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// AuthorID maps a platform user ID to the numeric id stored with
// submissions. Discord snowflakes are decimal; Slack ids are upper-case
// base-36 strings, which round-trip through FormatUserID.
func AuthorID(platform, userID string) (int64, error) {
	base := 10
	if platform == "slack" {
		base = 36
	}
	n, err := strconv.ParseInt(userID, base, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bot: %s user id %q is not mappable", platform, userID)
	}
	return n, nil
}

// FormatUserID is the inverse of AuthorID.
func FormatUserID(platform string, id int64) string {
	if platform == "slack" {
		return strings.ToUpper(strconv.FormatInt(id, 36))
	}
	return strconv.FormatInt(id, 10)
}
