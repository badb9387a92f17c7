package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	_ = c.Set(ctx, "JAM|KBO|2024-05-01T09:00:00Z", sampleResponse("Jamsil"), time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "JAM|KBO|2024-05-01T09:00:00Z")
	}
}

func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "missing")
	}
}

func BenchmarkInMemoryCache_Set(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	val := sampleResponse("Jamsil")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, fmt.Sprintf("S%02d|KBO|2024-05-01T09:00:00Z", i%100), val, time.Hour)
	}
}

func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	val := sampleResponse("Jamsil")
	_ = c.Set(ctx, "hot", val, time.Hour)

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				_ = c.Set(ctx, "hot", val, time.Hour)
			} else {
				_, _, _ = c.Get(ctx, "hot")
			}
			i++
		}
	})
}
