package instance

import "os"

// GetID returns the process instance identifier used in logs: the platform
// dyno name, then WORKER_ID, then "local".
func GetID() string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
