package layout

import (
	"fmt"
	"testing"
)

func benchWindows(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%d", i)
	}
	return ids
}

func BenchmarkStrategies(b *testing.B) {
	area := Rect{Width: 2560, Height: 1440}
	for _, s := range []Strategy{Dwindle{}, NewMasterStack(DefaultMasterRatio), Grid{}} {
		for _, n := range []int{1, 4, 16} {
			windows := benchWindows(n)
			b.Run(fmt.Sprintf("%s/%d", s.Name(), n), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := Run(s, windows, area, 8, 2); err != nil {
						b.Fatalf("run: %v", err)
					}
				}
			})
		}
	}
}
