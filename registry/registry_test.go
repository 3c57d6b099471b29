package registry_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/camlink/camlink/registry"
	"github.com/camlink/camlink/tunnel"
)

var _ = Describe("Registry", func() {
	var (
		reg      *registry.Registry
		cleanups []func()
	)

	start := func(deviceID string, cameras ...string) *tunnel.Session {
		s, cleanup := startSession(deviceID, cameras)
		cleanups = append(cleanups, cleanup)
		return s
	}

	BeforeEach(func() {
		reg = registry.New()
		cleanups = nil
	})

	AfterEach(func() {
		for _, c := range cleanups {
			c()
		}
	})

	It("registers and resolves sessions by device id", func() {
		s := start("dev-1", "cam-a")
		reg.Register(s)

		got, ok := reg.Get("dev-1")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(s))
		Expect(reg.Len()).To(Equal(1))

		_, ok = reg.Get("dev-2")
		Expect(ok).To(BeFalse())
	})

	It("supersedes an existing session for the same device id", func() {
		old := start("dev-1", "cam-a")
		reg.Register(old)

		replacement := start("dev-1", "cam-a")
		reg.Register(replacement)

		got, ok := reg.Get("dev-1")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(replacement))
		Expect(reg.Len()).To(Equal(1))

		Eventually(old.Done()).Should(BeClosed())
		Expect(old.Reason()).To(Equal(tunnel.ReasonSuperseded))
	})

	It("ignores a stale deregistration after supersession", func() {
		old := start("dev-1", "cam-a")
		reg.Register(old)
		replacement := start("dev-1", "cam-a")
		reg.Register(replacement)

		// The displaced session's handler deregisters on its way out.
		reg.Deregister(old)

		got, ok := reg.Get("dev-1")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(replacement))
	})

	It("removes the current session on deregistration", func() {
		s := start("dev-1", "cam-a")
		reg.Register(s)
		reg.Deregister(s)

		_, ok := reg.Get("dev-1")
		Expect(ok).To(BeFalse())
		Expect(reg.Len()).To(BeZero())
	})

	It("resolves cameras to their owning session", func() {
		s1 := start("dev-1", "cam-a", "cam-b")
		s2 := start("dev-2", "cam-c")
		reg.Register(s1)
		reg.Register(s2)

		got, ok := reg.ResolveCamera("cam-b")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(s1))

		got, ok = reg.ResolveCamera("cam-c")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(s2))

		_, ok = reg.ResolveCamera("cam-x")
		Expect(ok).To(BeFalse())
	})

	It("enumerates every camera across devices", func() {
		reg.Register(start("dev-1", "cam-a", "cam-b"))
		reg.Register(start("dev-2", "cam-c"))

		Expect(reg.Cameras()).To(ConsistOf(
			registry.CameraInfo{DeviceID: "dev-1", CameraID: "cam-a"},
			registry.CameraInfo{DeviceID: "dev-1", CameraID: "cam-b"},
			registry.CameraInfo{DeviceID: "dev-2", CameraID: "cam-c"},
		))
	})

	It("closes every session on shutdown", func() {
		s1 := start("dev-1", "cam-a")
		s2 := start("dev-2", "cam-b")
		reg.Register(s1)
		reg.Register(s2)

		reg.Shutdown()

		Expect(reg.Len()).To(BeZero())
		Eventually(s1.Done()).Should(BeClosed())
		Eventually(s2.Done()).Should(BeClosed())
		Expect(s1.Reason()).To(Equal(tunnel.ReasonShutdown))
		Expect(s2.Reason()).To(Equal(tunnel.ReasonShutdown))
	})
})
