/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package capability_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	capb "github.com/sosproject/sentinel/api/capability"
	"github.com/sosproject/sentinel/internal/capability"
	"github.com/sosproject/sentinel/internal/soserrors"
)

var _ = Describe("Capability Subsystem", func() {
	var (
		issuer   *capability.Issuer
		verifier *capability.Verifier
	)

	BeforeEach(func() {
		var err error
		issuer, err = capability.NewIssuer("sos-root", nil)
		Expect(err).NotTo(HaveOccurred())
		verifier = capability.NewVerifier("sos-root", issuer.PublicKey())
	})

	It("verifies a freshly issued token for its exact action and resource", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, nil)
		Expect(err).NotTo(HaveOccurred())

		ok, err := verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:kasra/notes")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("rejects an action mismatch", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(tok, capb.ActionMemoryWrite, "memory:agent:kasra/notes")
		Expect(soserrors.Is(err, soserrors.KindOf(soserrors.ErrActionMismatch))).To(BeTrue())
	})

	It("rejects a resource that does not match the glob pattern", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:other/notes")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a zero-lifetime token once its expiry instant has passed", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(time.Millisecond)

		_, err = verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:kasra/notes")
		Expect(err).To(HaveOccurred())
	})

	It("exhausts a uses-remaining counter after the configured number of successes", func() {
		uses := 1
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, &uses)
		Expect(err).NotTo(HaveOccurred())

		ok, err := verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:kasra/notes")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		_, err = verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:kasra/notes")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a token whose signature was tampered with", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, nil)
		Expect(err).NotTo(HaveOccurred())
		tok.Resource = "memory:agent:other/*"

		_, err = verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:other/notes")
		Expect(err).To(HaveOccurred())
	})

	It("round-trips through JSON serialization without changing the verify result", func() {
		tok, err := issuer.Issue("agent:kasra", capb.ActionMemoryRead, "memory:agent:kasra/*", nil, time.Minute, nil)
		Expect(err).NotTo(HaveOccurred())

		ok1, _ := verifier.Verify(tok, capb.ActionMemoryRead, "memory:agent:kasra/notes")

		data, err := json.Marshal(tok)
		Expect(err).NotTo(HaveOccurred())
		var decoded capb.Token
		Expect(json.Unmarshal(data, &decoded)).To(Succeed())

		// verify the decoded copy with a fresh verifier instance so
		// uses-remaining bookkeeping does not interfere.
		verifier2 := capability.NewVerifier("sos-root", issuer.PublicKey())
		ok2, _ := verifier2.Verify(&decoded, capb.ActionMemoryRead, "memory:agent:kasra/notes")

		Expect(ok1).To(Equal(ok2))
	})
})
