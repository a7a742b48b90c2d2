package scheduler

import (
	"strconv"

	logx "cronjobd/pkg/logx"
)

// reportDispatchError logs a failed hand-off, throttled per job.
func (s *Service) reportDispatchError(jobID int64, task string, err error) {
	if err == nil {
		return
	}
	if !s.dispatchWarn.Allow(strconv.FormatInt(jobID, 10)) {
		return
	}
	s.log.Warn("dispatch failed", logx.Int64("job_id", jobID), logx.String("task", task), logx.Err(err))
}
