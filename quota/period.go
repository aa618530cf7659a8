package quota

import "time"

// PeriodFor 计算计费周期（UTC）。
// anchorDay <= 0 时按自然月；当日 < anchorDay 时取当月，否则顺延一个月。
func PeriodFor(now time.Time, anchorDay int) (year, month int) {
	y, m, d := now.UTC().Date()
	if anchorDay <= 0 || d < anchorDay {
		return y, int(m)
	}
	if m == time.December {
		return y + 1, int(time.January)
	}
	return y, int(m) + 1
}
