// Package schedule turns configured cron or interval triggers into exclusive
// lane submissions. The runner owns no admission state: each occurrence is an
// ordinary submit, queuing FIFO behind whatever the agent is already doing,
// and a rejected occurrence is skipped rather than retried.
package schedule
