package storage_test

import (
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/camlink/camlink/storage"
)

var _ = Describe("Library", func() {
	var (
		root string
		lib  *storage.Library
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		lib = storage.NewLibrary(root, 50*time.Millisecond)
		DeferCleanup(lib.Stop)
	})

	Describe("List", func() {
		BeforeEach(func() {
			writeRecording(root, "cam-1", "20240101_10:00.mp4", []byte("aaaa"))
			writeRecording(root, "cam-1", "20240101_11:30.mp4", []byte("bbbbbb"))
			writeRecording(root, "cam-1", "20240102_09:15.mp4", []byte("cc"))
			writeRecording(root, "cam-1", "notes.txt", []byte("ignored"))
			writeRecording(root, "cam-1", "oddname.mp4", []byte("dd"))
		})

		It("lists recordings newest first with sizes and timestamps", func() {
			videos, total, err := lib.List("cam-1", storage.ListFilter{Page: 1, PageSize: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(4))

			// oddname.mp4 carries today's mtime, so it sorts first; the rest
			// follow in filename-timestamp order.
			Expect(videos[0].Filename).To(Equal("oddname.mp4"))
			Expect(videos[1].Filename).To(Equal("20240102_09:15.mp4"))
			Expect(videos[2].Filename).To(Equal("20240101_11:30.mp4"))
			Expect(videos[3].Filename).To(Equal("20240101_10:00.mp4"))

			Expect(videos[2].Size).To(Equal(int64(6)))
			Expect(videos[2].Timestamp).To(Equal(time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC)))
		})

		It("filters by date, excluding files without a parseable timestamp", func() {
			videos, total, err := lib.List("cam-1", storage.ListFilter{
				Date: "20240101", Page: 1, PageSize: 10,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
			Expect(videos[0].Filename).To(Equal("20240101_11:30.mp4"))
			Expect(videos[1].Filename).To(Equal("20240101_10:00.mp4"))
		})

		It("filters by hour", func() {
			hour := 11
			videos, total, err := lib.List("cam-1", storage.ListFilter{
				Hour: &hour, Page: 1, PageSize: 10,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(videos[0].Filename).To(Equal("20240101_11:30.mp4"))
		})

		It("paginates and reports the unfiltered total", func() {
			videos, total, err := lib.List("cam-1", storage.ListFilter{Page: 2, PageSize: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(4))
			Expect(videos).To(HaveLen(1))

			videos, total, err = lib.List("cam-1", storage.ListFilter{Page: 9, PageSize: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(4))
			Expect(videos).To(BeEmpty())
		})

		It("returns an empty listing for a camera with no directory", func() {
			videos, total, err := lib.List("cam-unknown", storage.ListFilter{Page: 1, PageSize: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
			Expect(videos).To(BeEmpty())
		})

		It("serves repeated listings from the cache until the TTL expires", func() {
			_, total, err := lib.List("cam-1", storage.ListFilter{Page: 1, PageSize: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(4))

			writeRecording(root, "cam-1", "20240103_08:00.mp4", []byte("ee"))

			_, total, err = lib.List("cam-1", storage.ListFilter{Page: 1, PageSize: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(4))

			Eventually(func() int {
				_, total, _ := lib.List("cam-1", storage.ListFilter{Page: 1, PageSize: 10})
				return total
			}).Should(Equal(5))
		})
	})

	Describe("Open", func() {
		content := []byte("0123456789")

		BeforeEach(func() {
			writeRecording(root, "cam-1", "20240101_10:00.mp4", content)
		})

		readAll := func(r *storage.Range) []byte {
			GinkgoHelper()
			data, err := io.ReadAll(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Close()).To(Succeed())
			return data
		}

		It("reads the whole file when no end is given", func() {
			rng, err := lib.Open("cam-1", "20240101_10:00.mp4", 0, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(rng.Size).To(Equal(int64(10)))
			Expect(rng.Start).To(Equal(int64(0)))
			Expect(rng.End).To(Equal(int64(9)))
			Expect(rng.Length).To(Equal(int64(10)))
			Expect(readAll(rng)).To(Equal(content))
		})

		It("reads an inclusive byte range exactly", func() {
			end := int64(5)
			rng, err := lib.Open("cam-1", "20240101_10:00.mp4", 2, &end)
			Expect(err).NotTo(HaveOccurred())
			Expect(rng.Length).To(Equal(int64(4)))
			Expect(readAll(rng)).To(Equal([]byte("2345")))
		})

		It("reads an open-ended range from an offset", func() {
			rng, err := lib.Open("cam-1", "20240101_10:00.mp4", 7, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(rng)).To(Equal([]byte("789")))
		})

		It("rejects ranges outside the file", func() {
			_, err := lib.Open("cam-1", "20240101_10:00.mp4", 10, nil)
			Expect(err).To(MatchError(storage.ErrInvalidRange))

			end := int64(10)
			_, err = lib.Open("cam-1", "20240101_10:00.mp4", 0, &end)
			Expect(err).To(MatchError(storage.ErrInvalidRange))

			_, err = lib.Open("cam-1", "20240101_10:00.mp4", -1, nil)
			Expect(err).To(MatchError(storage.ErrInvalidRange))
		})

		It("reports a missing file as ErrNotFound", func() {
			_, err := lib.Open("cam-1", "20240101_23:59.mp4", 0, nil)
			Expect(err).To(MatchError(storage.ErrNotFound))
		})

		It("rejects traversal attempts in the camera and filename", func() {
			_, err := lib.Open("cam-1", "../20240101_10:00.mp4", 0, nil)
			Expect(err).To(MatchError(storage.ErrInvalidName))

			_, err = lib.Open("../cam-1", "20240101_10:00.mp4", 0, nil)
			Expect(err).To(MatchError(storage.ErrInvalidName))
		})

		It("sniffs the MP4 content type from the file header", func() {
			writeRecording(root, "cam-1", "20240102_12:00.mp4", mp4Header)
			rng, err := lib.Open("cam-1", "20240102_12:00.mp4", 0, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(rng.ContentType).To(Equal("video/mp4"))
			Expect(rng.Close()).To(Succeed())
		})
	})

	Describe("SafeName", func() {
		It("accepts plain filenames and rejects anything path-like", func() {
			Expect(storage.SafeName("20240101_10:00.mp4")).To(BeTrue())
			Expect(storage.SafeName("cam-1")).To(BeTrue())

			Expect(storage.SafeName("")).To(BeFalse())
			Expect(storage.SafeName(".")).To(BeFalse())
			Expect(storage.SafeName("..")).To(BeFalse())
			Expect(storage.SafeName("a/b.mp4")).To(BeFalse())
			Expect(storage.SafeName(`a\b.mp4`)).To(BeFalse())
			Expect(storage.SafeName("..hidden.mp4")).To(BeFalse())
			Expect(storage.SafeName("a\x00b.mp4")).To(BeFalse())
		})
	})
})
