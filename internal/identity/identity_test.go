package identity_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sosproject/sentinel/internal/identity"
)

func TestIdentity(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Identity Suite")
}

var _ = Describe("Registry", func() {
	var reg *identity.Registry

	BeforeEach(func() {
		r, err := identity.NewRegistry(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		reg = r
	})

	It("hatches a genesis identity with an empty lineage", func() {
		id, err := reg.Hatch("Genesis", "orchestrator", identity.PolarityYang, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(id.Lineage).To(BeEmpty())
		Expect(id.Generation).To(Equal(0))

		got, err := reg.Get(id.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(id))
	})

	It("hatches a child with lineage extended from its parent", func() {
		parent, err := reg.Hatch("Parent", "worker", identity.PolarityYin, nil)
		Expect(err).NotTo(HaveOccurred())

		child, err := reg.Hatch("Child", "worker", identity.PolarityYin, parent)
		Expect(err).NotTo(HaveOccurred())
		Expect(child.Lineage).To(Equal([]string{parent.ID}))
		Expect(child.Generation).To(Equal(1))
	})

	It("rejects a state vector of the wrong dimensionality", func() {
		id, err := reg.Hatch("A", "worker", identity.PolarityYang, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.SetStateVector(id.ID, make([]float64, 3))
		Expect(err).To(HaveOccurred())
	})

	It("persists a valid state vector", func() {
		id, err := reg.Hatch("A", "worker", identity.PolarityYang, nil)
		Expect(err).NotTo(HaveOccurred())

		vec := make([]float64, identity.StateVectorDims)
		vec[0] = 0.5
		updated, err := reg.SetStateVector(id.ID, vec)
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.StateVector).To(Equal(vec))
	})

	It("destroys an identity only via explicit call, and not before", func() {
		id, err := reg.Hatch("A", "worker", identity.PolarityYang, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Get(id.ID)
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Destroy(id.ID)).To(Succeed())
		_, err = reg.Get(id.ID)
		Expect(err).To(HaveOccurred())
	})
})
