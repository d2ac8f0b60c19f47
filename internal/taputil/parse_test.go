package taputil_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/peterbourgon/tap/internal/taputil"
)

func TestParseOptional(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 100, false},
		{"50", 50, false},
		{"-1", -1, false},
		{"abc", 0, true},
	} {
		have, err := taputil.ParseOptional(tc.input, strconv.Atoi, 100)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: want error, have none", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.input, err)
			continue
		}
		if tc.want != have {
			t.Errorf("%q: want %d, have %d", tc.input, tc.want, have)
		}
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	if want, have := 10*time.Second, taputil.Clamp(0, time.Second, 10*time.Second, time.Minute); want != have {
		t.Errorf("zero: want %s, have %s", want, have)
	}
	if want, have := time.Second, taputil.Clamp(time.Millisecond, time.Second, 10*time.Second, time.Minute); want != have {
		t.Errorf("min: want %s, have %s", want, have)
	}
	if want, have := time.Minute, taputil.Clamp(time.Hour, time.Second, 10*time.Second, time.Minute); want != have {
		t.Errorf("max: want %s, have %s", want, have)
	}
}
