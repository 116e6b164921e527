package ratelimit_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/resilience/ratelimit"
)

func TestRateLimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rate Limiter Suite")
}

var _ = Describe("Limiter", func() {
	It("allows one call then denies the next for capacity=1, allowing again after refill", func() {
		l := ratelimit.New(ratelimit.Config{Capacity: 1, RefillRate: 20}, 0)

		Expect(l.Allow("agent:kasra", "tool:execute")).To(Succeed())
		Expect(l.Allow("agent:kasra", "tool:execute")).To(HaveOccurred())

		time.Sleep(60 * time.Millisecond)
		Expect(l.Allow("agent:kasra", "tool:execute")).To(Succeed())
	})

	It("tracks independent buckets per (subject, action) pair", func() {
		l := ratelimit.New(ratelimit.Config{Capacity: 1, RefillRate: 1}, 0)

		Expect(l.Allow("agent:kasra", "memory:read")).To(Succeed())
		Expect(l.Allow("agent:kasra", "memory:write")).To(Succeed())
		Expect(l.BucketCount()).To(Equal(2))
	})

	It("reaps buckets idle past the configured timeout", func() {
		l := ratelimit.New(ratelimit.Config{Capacity: 1, RefillRate: 1}, 10*time.Millisecond)
		Expect(l.Allow("agent:kasra", "memory:read")).To(Succeed())
		time.Sleep(20 * time.Millisecond)
		Expect(l.Reap()).To(Equal(1))
		Expect(l.BucketCount()).To(Equal(0))
	})
})
