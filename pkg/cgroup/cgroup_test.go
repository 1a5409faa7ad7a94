package cgroup

import "testing"

func TestCPUQuotaPeriod(t *testing.T) {
	cases := []struct {
		percent int
		quota   int64
	}{
		{0, 0},
		{50, 50000},
		{100, 100000},
		{200, 200000},
	}
	for _, tc := range cases {
		quota, period := cpuQuotaPeriod(tc.percent)
		if quota != tc.quota {
			t.Errorf("cpuQuotaPeriod(%d) quota = %d, want %d", tc.percent, quota, tc.quota)
		}
		if period != 100000 {
			t.Errorf("cpuQuotaPeriod(%d) period = %d, want 100000", tc.percent, period)
		}
	}
}

func TestGroupName(t *testing.T) {
	if got, want := groupName("abc123"), "/quilt/abc123"; got != want {
		t.Errorf("groupName() = %q, want %q", got, want)
	}
}
