package stats

import "time"

func testTime() time.Time {
	return time.Unix(1690000000, 0)
}
