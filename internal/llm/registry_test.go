/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/soserrors"
)

func TestLLM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Model Adapter Registry Suite")
}

var _ = Describe("Registry", func() {
	var req *llm.CompletionRequest

	BeforeEach(func() {
		req = &llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	})

	It("returns the primary adapter's response when it succeeds", func() {
		primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{{Content: "from primary"}}, nil)
		fallback := llm.NewMockAdapter("fallback", 2, []*llm.CompletionResponse{{Content: "from fallback"}}, nil)
		reg := llm.NewRegistry(logr.Discard(), primary, fallback)

		resp, err := reg.Generate(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Content).To(Equal("from primary"))
	})

	It("falls through to the next adapter on a non-rate-limit failure", func() {
		primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{nil}, []error{errors.New("boom")})
		fallback := llm.NewMockAdapter("fallback", 2, []*llm.CompletionResponse{{Content: "from fallback"}}, nil)
		reg := llm.NewRegistry(logr.Discard(), primary, fallback)

		resp, err := reg.Generate(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Content).To(Equal("from fallback"))
	})

	It("orders adapters by layer regardless of construction order", func() {
		fallback := llm.NewMockAdapter("fallback", 2, []*llm.CompletionResponse{{Content: "from fallback"}}, nil)
		primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{{Content: "from primary"}}, nil)
		reg := llm.NewRegistry(logr.Discard(), fallback, primary)

		readiness := reg.Readiness()
		Expect(readiness).To(HaveLen(2))
		Expect(readiness[0].Name).To(Equal("primary"))
		Expect(readiness[1].Name).To(Equal("fallback"))
	})

	It("returns AllProvidersFailed with an accumulated error trail when every adapter fails", func() {
		primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{nil}, []error{errors.New("down")})
		fallback := llm.NewMockAdapter("fallback", 2, []*llm.CompletionResponse{nil}, []error{errors.New("also down")})
		reg := llm.NewRegistry(logr.Discard(), primary, fallback)

		_, err := reg.Generate(context.Background(), req)
		Expect(err).To(HaveOccurred())
		Expect(soserrors.Is(err, soserrors.KindProviderFailure)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("primary"))
		Expect(err.Error()).To(ContainSubstring("fallback"))
	})

	It("trips an adapter's breaker open after repeated failures and skips it thereafter", func() {
		responses := make([]*llm.CompletionResponse, 6)
		errs := make([]error, 6)
		for i := range errs {
			errs[i] = errors.New("boom")
		}
		primary := llm.NewMockAdapter("primary", 1, responses, errs)
		fallbackResponses := make([]*llm.CompletionResponse, 6)
		for i := range fallbackResponses {
			fallbackResponses[i] = &llm.CompletionResponse{Content: "from fallback"}
		}
		fallback := llm.NewMockAdapter("fallback", 2, fallbackResponses, nil)
		reg := llm.NewRegistry(logr.Discard(), primary, fallback)

		for i := 0; i < 5; i++ {
			_, err := reg.Generate(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
		}

		readiness := reg.Readiness()
		Expect(readiness[0].Name).To(Equal("primary"))
		Expect(string(readiness[0].State)).To(Equal("open"))

		resp, err := reg.Generate(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Content).To(Equal("from fallback"))
	})

	Describe("GenerateStream", func() {
		It("streams from the first adapter whose breaker is closed", func() {
			primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{{Content: "streamed"}}, nil)
			reg := llm.NewRegistry(logr.Discard(), primary)

			ch, err := reg.GenerateStream(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			var chunks []llm.StreamChunk
			for c := range ch {
				chunks = append(chunks, c)
			}
			Expect(chunks).To(HaveLen(1))
			Expect(chunks[0].Delta).To(Equal("streamed"))
			Expect(chunks[0].Done).To(BeTrue())
		})

		It("terminates with an in-band error marker chunk on a mid-stream failure", func() {
			primary := llm.NewMockAdapter("primary", 1, []*llm.CompletionResponse{nil}, []error{errors.New("boom")})
			reg := llm.NewRegistry(logr.Discard(), primary)

			ch, err := reg.GenerateStream(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			var chunks []llm.StreamChunk
			for c := range ch {
				chunks = append(chunks, c)
			}
			Expect(chunks).To(HaveLen(1))
			Expect(chunks[0].Err).To(HaveOccurred())
		})

		It("skips an adapter whose breaker is open and falls through to the next", func() {
			responses := make([]*llm.CompletionResponse, 6)
			errs := make([]error, 6)
			for i := range errs {
				errs[i] = errors.New("boom")
			}
			primary := llm.NewMockAdapter("primary", 1, responses, errs)
			fallbackResponses := make([]*llm.CompletionResponse, 6)
			for i := range fallbackResponses {
				fallbackResponses[i] = &llm.CompletionResponse{Content: "from fallback"}
			}
			fallback := llm.NewMockAdapter("fallback", 2, fallbackResponses, nil)
			reg := llm.NewRegistry(logr.Discard(), primary, fallback)

			for i := 0; i < 5; i++ {
				_, _ = reg.Generate(context.Background(), req)
			}
			Expect(string(reg.Readiness()[0].State)).To(Equal("open"))

			ch, err := reg.GenerateStream(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())

			var got string
			for c := range ch {
				got += c.Delta
			}
			Expect(got).To(Equal("from fallback"))
		})
	})
})
