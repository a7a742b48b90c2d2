package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Running:  s.Running(),
		Timezone: s.Location().String(),
		Ticks:    s.ticks.Load(),
		Fired:    s.fired.Load(),
		Armed:    s.Armed(),
	}
	if last := s.lastTick.Load(); last > 0 {
		snap.LastTick = time.Unix(last, 0).In(s.Location())
	}
	return snap
}
