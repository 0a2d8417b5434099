package sched

import "time"

const (
	MinNice     = 0
	MaxNice     = 39
	DefaultNice = 20

	// nice0Load is the weight of a task at DefaultNice. Virtual time of such a
	// task advances at the same rate as real time.
	nice0Load = 1024
)

// niceToWeight maps nice 0..39 to a scheduling weight. Each step is roughly
// a 1.25x change in CPU share; index 20 is the neutral weight.
var niceToWeight = [MaxNice + 1]uint64{
	/*  0 */ 88761, 71755, 56483, 46273, 36291,
	/*  5 */ 29154, 23254, 18705, 14949, 11916,
	/* 10 */ 9548, 7620, 6100, 4904, 3906,
	/* 15 */ 3121, 2501, 1991, 1586, 1277,
	/* 20 */ 1024, 820, 655, 526, 423,
	/* 25 */ 335, 272, 215, 172, 137,
	/* 30 */ 110, 87, 70, 56, 45,
	/* 35 */ 36, 29, 23, 18, 15,
}

func clampNice(nice int) int {
	if nice < MinNice {
		return MinNice
	}
	if nice > MaxNice {
		return MaxNice
	}
	return nice
}

func weightOf(nice int) uint64 { return niceToWeight[clampNice(nice)] }

// virtualDelta converts real run time into virtual time for a task of the
// given weight. A charge is never zero so vtime strictly advances.
func virtualDelta(delta time.Duration, weight uint64) uint64 {
	if delta <= 0 {
		delta = 1
	}
	v := uint64(delta) * nice0Load / weight
	if v == 0 {
		v = 1
	}
	return v
}

// sliceFor is the real time a task of weight w may run before it is
// preempted, given nr tracked tasks of aggregate weight total.
func sliceFor(w, total uint64, nr int, latency, minGran time.Duration) time.Duration {
	period := latency
	if p := time.Duration(nr) * minGran; p > period {
		period = p
	}
	if total < w {
		total = w
	}
	slice := time.Duration(uint64(period) * w / total)
	if slice < minGran {
		slice = minGran
	}
	return slice
}
