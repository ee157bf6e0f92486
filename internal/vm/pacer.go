package vm

import "time"

// pacer slows the loop so guest time tracks wall time at a fixed core
// frequency. It checks in once per millisecond of guest cycles.
type pacer struct {
	hz     uint64
	start  time.Time
	cycles uint64
	now    func() time.Time
	sleep  func(time.Duration)
}

func newPacer(hz uint64) pacer {
	return pacer{hz: hz, now: time.Now, sleep: time.Sleep}
}

func (p *pacer) restart() {
	p.start = p.now()
	p.cycles = 0
}

func (p *pacer) advance(cycles uint64) {
	if p.hz == 0 {
		return
	}
	p.cycles += cycles
	if p.cycles < p.hz/1000 {
		return
	}
	want := time.Duration(float64(p.cycles) / float64(p.hz) * float64(time.Second))
	if d := want - p.now().Sub(p.start); d > 0 {
		p.sleep(d)
	}
	p.restart()
}
