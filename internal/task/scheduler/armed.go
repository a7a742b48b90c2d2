package scheduler

import (
	"sort"
	"strings"
	"time"

	"cronjobd/internal/eventbus"
	"cronjobd/internal/storage"
	"cronjobd/internal/task/cronexpr"
	"cronjobd/internal/task/dispatch"
	"cronjobd/internal/task/engine"
	logx "cronjobd/pkg/logx"
)

// Arm adds job to the armed set. Arming an already armed id is a no-op.
// Inactive jobs, empty task names and bad cron expressions are rejected with
// a *cronexpr.ValidationError and leave the set unchanged.
func (s *Service) Arm(job storage.Job) error {
	if !job.Active {
		return &cronexpr.ValidationError{Field: "status", Msg: "job is inactive"}
	}
	if strings.TrimSpace(job.TaskName) == "" {
		return &cronexpr.ValidationError{Field: "task_name", Msg: "required"}
	}
	expr, err := cronexpr.Parse(job.CronExpr)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	if _, ok := s.armed[job.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	aj := &armedJob{
		id:       job.ID,
		taskName: job.TaskName,
		params:   job.Params,
		expr:     expr,
		armedAt:  now,
		state:    &engine.RunState{},
	}
	s.armed[job.ID] = aj
	loc := s.loc
	s.mu.Unlock()

	info := s.info(aj, now.In(loc))
	s.log.Debug("job armed",
		logx.Int64("job_id", job.ID),
		logx.String("task", job.TaskName),
		logx.String("cron", expr.String()),
		logx.Time("next", info.Next),
	)
	s.publish(eventbus.JobArmed, now, info)
	return nil
}

// Disarm removes id from the armed set and reports whether it was armed.
// A run already handed to the engine is not interrupted.
func (s *Service) Disarm(id int64) bool {
	s.mu.Lock()
	aj, ok := s.armed[id]
	if ok {
		delete(s.armed, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.log.Debug("job disarmed", logx.Int64("job_id", id), logx.String("task", aj.taskName))
	s.publish(eventbus.JobDisarmed, s.clock.Now(), ArmedInfo{JobID: id, TaskName: aj.taskName, CronExpr: aj.expr.String()})
	return true
}

// Tick dispatches every armed job whose expression matches now's minute in
// the scheduler timezone and returns how many were dispatched. Each job fires
// at most once per minute no matter how often Tick is called.
func (s *Service) Tick(now time.Time) int {
	s.mu.RLock()
	loc := s.loc
	jobs := make([]*armedJob, 0, len(s.armed))
	for _, aj := range s.armed {
		jobs = append(jobs, aj)
	}
	s.mu.RUnlock()

	minute := now.In(loc).Truncate(time.Minute)
	unix := minute.Unix()
	s.ticks.Add(1)
	s.lastTick.Store(unix)

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].id < jobs[j].id })

	ctx := s.dispatchContext()
	n := 0
	for _, aj := range jobs {
		if !aj.expr.Matches(minute) {
			continue
		}
		last := aj.lastFired.Load()
		if last >= unix || !aj.lastFired.CompareAndSwap(last, unix) {
			continue
		}
		err := s.dispatcher.Dispatch(ctx, dispatch.Invocation{
			JobID:    aj.id,
			TaskName: aj.taskName,
			Params:   aj.params,
			FiredAt:  minute,
			State:    aj.state,
		})
		if err != nil {
			s.reportDispatchError(aj.id, aj.taskName, err)
			continue
		}
		n++
	}
	s.fired.Add(uint64(n))
	if n > 0 {
		s.log.Debug("tick", logx.Time("minute", minute), logx.Int("dispatched", n), logx.Int("armed", len(jobs)))
	}
	return n
}

// ArmedIDs returns the ids currently armed.
func (s *Service) ArmedIDs() map[int64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]struct{}, len(s.armed))
	for id := range s.armed {
		out[id] = struct{}{}
	}
	return out
}

func (s *Service) IsArmed(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.armed[id]
	return ok
}

func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.armed)
}

// Armed lists armed jobs by id with their next fire time.
func (s *Service) Armed() []ArmedInfo {
	s.mu.RLock()
	loc := s.loc
	jobs := make([]*armedJob, 0, len(s.armed))
	for _, aj := range s.armed {
		jobs = append(jobs, aj)
	}
	s.mu.RUnlock()

	now := s.clock.Now().In(loc)
	out := make([]ArmedInfo, 0, len(jobs))
	for _, aj := range jobs {
		out = append(out, s.info(aj, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (s *Service) info(aj *armedJob, now time.Time) ArmedInfo {
	it := ArmedInfo{
		JobID:    aj.id,
		TaskName: aj.taskName,
		CronExpr: aj.expr.String(),
		ArmedAt:  aj.armedAt,
		Next:     aj.expr.Next(now),
		InFlight: aj.state.InFlight(),
	}
	if last := aj.lastFired.Load(); last > 0 {
		it.LastFired = time.Unix(last, 0).In(now.Location())
	}
	return it
}

func (s *Service) publish(typ string, at time.Time, info ArmedInfo) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: info})
}
