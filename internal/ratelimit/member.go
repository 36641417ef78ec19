package ratelimit

import (
	"strconv"

	"github.com/google/uuid"
)

// memberID makes each sorted-set member unique even when two requests land
// on the same nanosecond.
func memberID(now int64) string {
	return strconv.FormatInt(now, 10) + "-" + uuid.NewString()
}
