package store

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type operationTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newOperationTracker(operation string, envRepo env.Repository, logger log.Logger) operationTracker {
	p := analytics.Properties{
		"operation":   operation,
		"network":     envRepo.Get("CHAINVAULT_NETWORK"),
		"environment": envRepo.Get("CHAINVAULT_ENVIRONMENT"),
	}
	return operationTracker{
		tracker: analytics.NewDefaultTracker(logger, envRepo, p),
		logger:  logger,
	}
}

func (t *operationTracker) logPayloadStored(uploadTime time.Duration, encodedSize int, chunkCount int, attemptCount int) {
	properties := analytics.Properties{
		"upload_time_s":      uploadTime.Truncate(time.Second).Seconds(),
		"encoded_size_bytes": encodedSize,
		"chunk_count":        chunkCount,
		"attempt_count":      attemptCount,
	}
	t.tracker.Enqueue("vault_payload_stored", properties)
}

func (t *operationTracker) logPayloadRetrieved(downloadTime time.Duration, payloadSize int, source string) {
	properties := analytics.Properties{
		"download_time_s":    downloadTime.Truncate(time.Second).Seconds(),
		"payload_size_bytes": payloadSize,
		"source":             source,
	}
	t.tracker.Enqueue("vault_payload_retrieved", properties)
}

func (t *operationTracker) wait() {
	t.tracker.Wait()
}
