package guard

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewDeviceToken returns an opaque token identifying one device instance: 122 random bits from a
// v4 UUID plus the creation time in milliseconds.
func NewDeviceToken() string {
	return uuid.NewString() + "-" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}
