package instance

import (
	"os"

	"github.com/angelmondragon/billsync/pkg/env"
)

// GetID identifies this replica in logs and lock values. It reads
// BILLSYNC_INSTANCE_ID, then the platform's DYNO, then the hostname.
func GetID() string {
	if id := env.Get("INSTANCE_ID", ""); id != "" {
		return id
	}
	if id := env.Get("DYNO", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
