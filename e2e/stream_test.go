package e2e_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/camlink/camlink/registry"
)

var _ = Describe("video streaming", func() {
	var (
		srv     *httptest.Server
		reg     *registry.Registry
		content []byte
	)

	const file = "20240101_10:00.mp4"

	get := func(path string, headers map[string]string) *http.Response {
		GinkgoHelper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	BeforeEach(func() {
		srv, reg = startProxy()
		root := GinkgoT().TempDir()

		// Bigger than the agent's 1 KiB chunk size so transfers span frames.
		content = make([]byte, 4000)
		for i := range content {
			content[i] = byte(i % 251)
		}
		writeRecording(root, "cam-1", file, content)

		startAgent(srv, "dev-1", []string{"cam-1"}, root)
		waitRegistered(reg, "dev-1")
	})

	It("downloads the whole file byte-exactly", func() {
		resp := get("/api/devices/cam-1/videos/"+file, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Accept-Ranges")).To(Equal("bytes"))
		Expect(resp.ContentLength).To(Equal(int64(len(content))))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal(content))
	})

	It("serves a bounded range as 206 with the exact bytes", func() {
		resp := get("/api/devices/cam-1/videos/"+file, map[string]string{"Range": "bytes=1000-2999"})
		Expect(resp.StatusCode).To(Equal(http.StatusPartialContent))
		Expect(resp.Header.Get("Content-Range")).To(
			Equal(fmt.Sprintf("bytes 1000-2999/%d", len(content))))
		Expect(resp.ContentLength).To(Equal(int64(2000)))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal(content[1000:3000]))
	})

	It("serves an open-ended range to EOF", func() {
		resp := get("/api/devices/cam-1/videos/"+file, map[string]string{"Range": "bytes=3500-"})
		Expect(resp.StatusCode).To(Equal(http.StatusPartialContent))
		Expect(resp.Header.Get("Content-Range")).To(
			Equal(fmt.Sprintf("bytes 3500-3999/%d", len(content))))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal(content[3500:]))
	})

	It("answers HEAD with the file size and no body", func() {
		resp, err := http.Head(srv.URL + "/api/devices/cam-1/videos/" + file)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.ContentLength).To(Equal(int64(len(content))))
		Expect(resp.Header.Get("Accept-Ranges")).To(Equal("bytes"))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(BeEmpty())
	})

	It("serves many concurrent disjoint ranges on one session byte-exactly", func() {
		const readers = 50
		span := len(content) / readers

		var wg sync.WaitGroup
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				start := i * span
				end := start + span - 1

				req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/devices/cam-1/videos/"+file, nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer func() { _ = resp.Body.Close() }()

				Expect(resp.StatusCode).To(Equal(http.StatusPartialContent), "range %d-%d", start, end)
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal(content[start:end+1]), "range %d-%d", start, end)
			}(i)
		}
		wg.Wait()
	})

	It("rejects an unsatisfiable range with 416", func() {
		resp := get("/api/devices/cam-1/videos/"+file, map[string]string{"Range": "bytes=99999-"})
		Expect(resp.StatusCode).To(Equal(http.StatusRequestedRangeNotSatisfiable))
	})

	It("rejects unsupported range forms with 416", func() {
		for _, header := range []string{"bytes=0-100,200-300", "bytes=-500", "items=0-100"} {
			resp := get("/api/devices/cam-1/videos/"+file, map[string]string{"Range": header})
			Expect(resp.StatusCode).To(Equal(http.StatusRequestedRangeNotSatisfiable), "header %q", header)
		}
	})

	It("rejects a malformed range with 400", func() {
		resp := get("/api/devices/cam-1/videos/"+file, map[string]string{"Range": "bytes=zzz-"})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for a file the camera does not have", func() {
		resp := get("/api/devices/cam-1/videos/20990101_00:00.mp4", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("rejects a traversal-looking filename", func() {
		resp := get("/api/devices/cam-1/videos/..evil.mp4", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})
})
