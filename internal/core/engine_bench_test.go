package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluate_Rollout(b *testing.B) {
	flags := []FlagConfig{rolloutFlag("exp", []Allocation{
		{Range: [2]int64{0, 100}, Distributions: []Distribution{
			{Variant: "A", Range: [2]int64{0, 21474837}},
			{Variant: "B", Range: [2]int64{21474837, 42949673}},
		}},
	})}
	engine := newTestEngine()
	context := userContext("bench-user")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = engine.Evaluate(context, flags)
	}
}

func BenchmarkEvaluate_ManyFlags(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("flags=%d", count), func(b *testing.B) {
			flags := make([]FlagConfig, 0, count)
			for i := 0; i < count; i++ {
				flags = append(flags, FlagConfig{
					Key:      fmt.Sprintf("flag-%d", i),
					Variants: map[string]Variant{"on": {Key: "on"}},
					Segments: []Segment{{
						Conditions: [][]Condition{{
							{Selector: []string{"context", "user", "country"}, Op: OperatorIs, Values: []string{"US", "CA"}},
							{Selector: []string{"context", "user", "user_id"}, Op: OperatorRegexMatch, Values: []string{"^user-\\d+$"}},
						}},
						Variant: "on",
					}},
				})
			}
			engine := newTestEngine()
			context := User{UserID: "user-42", Country: "US"}.EvaluationContext()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = engine.Evaluate(context, flags)
			}
		})
	}
}

func BenchmarkTopologicalSort(b *testing.B) {
	flags := make([]FlagConfig, 0, 500)
	for i := 0; i < 500; i++ {
		flag := FlagConfig{Key: fmt.Sprintf("flag-%d", i)}
		if i > 0 {
			flag.Dependencies = []string{fmt.Sprintf("flag-%d", i-1)}
		}
		flags = append(flags, flag)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := TopologicalSort(flags); err != nil {
			b.Fatal(err)
		}
	}
}
