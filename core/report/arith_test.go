package report

import (
	"reflect"
	"testing"
)

func TestRound(t *testing.T) {
	cases := []struct {
		name  string
		in    float64
		want1 float64
		want2 float64
	}{
		{"zero", 0, 0, 0},
		{"plain", 12.344, 12.3, 12.34},
		{"exact half one decimal", 0.25, 0.3, 0.25},
		{"exact half two decimals", 0.125, 0.1, 0.13},
		{"half away negative", -0.25, -0.3, -0.25},
		{"negative", -7.777, -7.8, -7.78},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := round1(tc.in); got != tc.want1 {
				t.Fatalf("round1(%v) = %v, want %v", tc.in, got, tc.want1)
			}
			if got := round2(tc.in); got != tc.want2 {
				t.Fatalf("round2(%v) = %v, want %v", tc.in, got, tc.want2)
			}
		})
	}
}

func TestRate(t *testing.T) {
	cases := []struct {
		name        string
		part, total float64
		want        float64
	}{
		{"zero total", 5, 0, 0},
		{"zero part", 0, 10, 0},
		{"simple", 1, 4, 25},
		{"repeating", 2, 7, 28.6},
		{"all", 7, 7, 100},
		{"rounds to one decimal", 1, 3, 33.3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rate(tc.part, tc.total); got != tc.want {
				t.Fatalf("rate(%v, %v) = %v, want %v", tc.part, tc.total, got, tc.want)
			}
		})
	}
}

func TestAverage(t *testing.T) {
	cases := []struct {
		name  string
		sum   float64
		count int
		want  float64
	}{
		{"empty", 100, 0, 0},
		{"whole", 10, 2, 5},
		{"repeating", 1000, 3, 333.33},
		{"negative", -9, 2, -4.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := average(tc.sum, tc.count); got != tc.want {
				t.Fatalf("average(%v, %d) = %v, want %v", tc.sum, tc.count, got, tc.want)
			}
		})
	}
}

func TestTopRanked(t *testing.T) {
	entries := []rankEntry{
		{Label: "oyster", Value: 3},
		{Label: "shiitake", Value: 9},
		{Label: "lions-mane", Value: 3},
		{Label: "reishi", Value: 1},
		{Label: "enoki", Value: 7},
		{Label: "maitake", Value: 5},
		{Label: "cordyceps", Value: 4},
	}
	got := topRanked(entries)
	want := []rankEntry{
		{Label: "shiitake", Value: 9},
		{Label: "enoki", Value: 7},
		{Label: "maitake", Value: 5},
		{Label: "cordyceps", Value: 4},
		{Label: "lions-mane", Value: 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected ranking:\n got %#v\nwant %#v", got, want)
	}
}

func TestTopRankedTieBreak(t *testing.T) {
	got := topRanked([]rankEntry{
		{Label: "room-b", Value: 2},
		{Label: "room-a", Value: 2},
		{Label: "room-c", Value: 2},
	})
	if got[0].Label != "room-a" || got[1].Label != "room-b" || got[2].Label != "room-c" {
		t.Fatalf("ties must break by label ascending, got %#v", got)
	}
}
