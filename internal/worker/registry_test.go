/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package worker_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/worker"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker Registry Suite")
}

var _ = Describe("Registry", func() {
	var reg *worker.Registry

	BeforeEach(func() {
		r, err := worker.NewRegistry(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		reg = r
	})

	It("registers a worker exactly once and returns the existing record on re-register", func() {
		rec, err := reg.Register("w1", "Ada")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Tier).To(Equal(worker.TierNovice))

		_, _ = reg.RecordCompletion("w1", 100)
		again, err := reg.Register("w1", "Ada Renamed")
		Expect(err).NotTo(HaveOccurred())
		Expect(again.DisplayName).To(Equal("Ada"))
		Expect(again.TasksCompleted).To(Equal(int64(1)))
	})

	DescribeTable("tier is a deterministic function of completed count and success rate",
		func(completed, failed int64, expected worker.Tier) {
			_, _ = reg.Register("w", "W")
			for i := int64(0); i < completed; i++ {
				_, _ = reg.RecordCompletion("w", 1)
			}
			for i := int64(0); i < failed; i++ {
				_, _ = reg.RecordFailure("w")
			}
			rec, err := reg.Get("w")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Tier).To(Equal(expected))
		},
		Entry("fewer than 10 completed stays novice", int64(9), int64(0), worker.TierNovice),
		Entry("10 completed with high success rate is apprentice", int64(10), int64(0), worker.TierApprentice),
		Entry("at least 50 completed with 0.75 success rate is journeyman", int64(75), int64(25), worker.TierJourneyman),
		Entry("at least 200 completed with 0.85 success rate is expert", int64(340), int64(60), worker.TierExpert),
		Entry("at least 500 completed with 0.92 success rate is master", int64(575), int64(50), worker.TierMaster),
		Entry("many completed but poor success rate stays low", int64(20), int64(20), worker.TierNovice),
	)

	It("smooths success rate to 1.0 below a denominator of 5 so new workers aren't punished", func() {
		_, _ = reg.Register("w", "W")
		_, _ = reg.RecordCompletion("w", 1)
		_, _ = reg.RecordFailure("w")
		rec, err := reg.Get("w")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SuccessRate()).To(Equal(1.0))
	})

	It("never deletes a retired worker, only flags it", func() {
		_, _ = reg.Register("w", "W")
		Expect(reg.Retire("w")).To(Succeed())

		rec, err := reg.Get("w")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Retired).To(BeTrue())

		retired, err := reg.PruneTombstoned()
		Expect(err).NotTo(HaveOccurred())
		Expect(retired).To(ContainElement("w"))
	})

	It("lists workers filtered by tier", func() {
		_, _ = reg.Register("novice-1", "N")
		_, _ = reg.Register("apprentice-1", "A")
		for i := 0; i < 10; i++ {
			_, _ = reg.RecordCompletion("apprentice-1", 1)
		}

		novices, err := reg.List(worker.TierNovice)
		Expect(err).NotTo(HaveOccurred())
		Expect(novices).To(HaveLen(1))

		apprentices, err := reg.List(worker.TierApprentice)
		Expect(err).NotTo(HaveOccurred())
		Expect(apprentices).To(HaveLen(1))
	})
})
