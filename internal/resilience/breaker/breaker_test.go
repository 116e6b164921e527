package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/resilience/breaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Circuit Breaker Suite")
}

var _ = Describe("Breaker", func() {
	It("opens after the configured number of consecutive failures", func() {
		b := breaker.New("anthropic", breaker.Config{FailureThreshold: 3, OpenDuration: 50 * time.Millisecond})

		boom := errors.New("boom")
		for i := 0; i < 3; i++ {
			_ = b.Execute(context.Background(), func() error { return boom })
		}

		Expect(b.State()).To(Equal(breaker.StateOpen))
		Expect(b.Allow()).To(BeFalse())

		err := b.Execute(context.Background(), func() error { return nil })
		Expect(err).To(HaveOccurred())
	})

	It("closes again after open_duration and one successful probe", func() {
		b := breaker.New("openai", breaker.Config{FailureThreshold: 2, OpenDuration: 20 * time.Millisecond})

		boom := errors.New("boom")
		_ = b.Execute(context.Background(), func() error { return boom })
		_ = b.Execute(context.Background(), func() error { return boom })
		Expect(b.State()).To(Equal(breaker.StateOpen))

		time.Sleep(30 * time.Millisecond)
		Expect(b.State()).To(Equal(breaker.StateHalfOpen))

		err := b.Execute(context.Background(), func() error { return nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(b.State()).To(Equal(breaker.StateClosed))
	})
})
