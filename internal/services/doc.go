// Package services holds cross-cutting helpers shared by the orchestrator
// components: the error taxonomy used to classify stage failures and the
// context keys used to thread request identity through logging.
//
// The taxonomy drives retry policy. Transient errors are absorbed by the
// retry loop and only become visible when retries are exhausted; permanent
// errors move a request straight to failed; stale-transition conflicts are
// retried internally and never reach the submitter.
package services
