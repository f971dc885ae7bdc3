package segment

// mtimeBounds tracks the oldest and newest block-write times seen. The
// window only widens; a time older than the newest one seen is counted
// as a clock regression and lowers the minimum without touching the
// maximum.
type mtimeBounds struct {
	min, max    uint64
	set         bool
	regressions int
}

func (b *mtimeBounds) observe(t uint64) bool {
	if !b.set {
		b.min, b.max, b.set = t, t, true
		return false
	}
	regressed := t < b.max
	if regressed {
		b.regressions++
	}
	if t < b.min {
		b.min = t
	}
	if t > b.max {
		b.max = t
	}
	return regressed
}

// widen extends the window without regression accounting; used when a
// relocated block carries its original write time.
func (b *mtimeBounds) widen(t uint64) {
	if !b.set {
		b.min, b.max, b.set = t, t, true
		return
	}
	if t < b.min {
		b.min = t
	}
	if t > b.max {
		b.max = t
	}
}
