package model

import "testing"

func TestSeriesKey_StringAndParse(t *testing.T) {
	cases := []struct {
		key  SeriesKey
		want string
	}{
		{SeriesKey{Symbol: "NSE:2885", TF: 60}, "60s:NSE:2885"},
		{SeriesKey{Symbol: "NFO:43650", TF: 900}, "900s:NFO:43650"},
		{SeriesKey{Symbol: "BSE:500325", TF: 86400}, "86400s:BSE:500325"},
	}
	for _, tc := range cases {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
		back, err := ParseSeriesKey(tc.want)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.want, err)
		}
		if back != tc.key {
			t.Errorf("parse %q = %+v, want %+v", tc.want, back, tc.key)
		}
	}

	for _, bad := range []string{"", "60:NSE:1", "0s:NSE:1", "-60s:NSE:1", "xs:NSE:1", "60s:"} {
		if _, err := ParseSeriesKey(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestTFCandle_StreamKey(t *testing.T) {
	c := TFCandle{Token: "2885", Exchange: "NSE", TF: 300}
	if got := c.StreamKey(); got != "candle:300s:NSE:2885" {
		t.Errorf("StreamKey() = %q", got)
	}
	if got := c.SeriesKey(); got != (SeriesKey{Symbol: "NSE:2885", TF: 300}) {
		t.Errorf("SeriesKey() = %+v", got)
	}
}
